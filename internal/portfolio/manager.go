package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/store"
)

var (
	// ErrNotFound 表示请求的组合不存在。
	ErrNotFound = errors.New("portfolio not found")

	// ErrInvalidWeights 表示权重配置不合法。
	ErrInvalidWeights = errors.New("invalid portfolio weights")
)

// Definition 是一份命名的组合配置。
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Weights     map[string]float64 `json:"weights"`
	Margin      float64            `json:"margin"`
	CreatedAt   time.Time          `json:"created_at,omitzero"`
	UpdatedAt   time.Time          `json:"updated_at,omitzero"`
}

// Manager 负责组合配置的校验、归一与持久化。
type Manager struct {
	db        *sql.DB
	tolerance float64
	logger    *zap.Logger
}

// NewManager 构建组合管理器并初始化存储表。tolerance 是权重和允许偏离1的幅度。
func NewManager(st *store.Store, tolerance float64, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("portfolio: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tolerance <= 0 {
		tolerance = 0.01
	}

	m := &Manager{db: st.DB(), tolerance: tolerance, logger: logger}

	const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	name        TEXT PRIMARY KEY,
	description TEXT,
	weights     TEXT NOT NULL,
	margin      REAL NOT NULL DEFAULT 1.0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);`
	if _, err := m.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("portfolio: 初始化组合表失败: %w", err)
	}
	return m, nil
}

// ValidateWeights 校验权重配置：非空、全部有限非负，且权重和在容差范围内接近1。
func (m *Manager) ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("portfolio: 权重不能为空: %w", ErrInvalidWeights)
	}

	sum := 0.0
	for ticker, w := range weights {
		if ticker == "" {
			return fmt.Errorf("portfolio: 标的名不能为空: %w", ErrInvalidWeights)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("portfolio: 标的 %s 的权重非有限值: %w", ticker, ErrInvalidWeights)
		}
		if w < 0 {
			return fmt.Errorf("portfolio: 标的 %s 的权重为负: %w", ticker, ErrInvalidWeights)
		}
		sum += w
	}

	if math.Abs(sum-1) > m.tolerance {
		return fmt.Errorf("portfolio: 权重和 %.4f 偏离1超出容差 %.4f: %w", sum, m.tolerance, ErrInvalidWeights)
	}
	return nil
}

// NormalizeWeights 把权重按比例缩放到和为1；权重和为0时回退为等权。
func NormalizeWeights(weights map[string]float64) map[string]float64 {
	if len(weights) == 0 {
		return nil
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}

	normalized := make(map[string]float64, len(weights))
	if sum == 0 {
		equal := 1.0 / float64(len(weights))
		for ticker := range weights {
			normalized[ticker] = equal
		}
		return normalized
	}

	for ticker, w := range weights {
		normalized[ticker] = w / sum
	}
	return normalized
}

// EqualWeight 为给定标的生成等权配置。
func EqualWeight(tickers []string) map[string]float64 {
	if len(tickers) == 0 {
		return nil
	}

	weights := make(map[string]float64, len(tickers))
	equal := 1.0 / float64(len(tickers))
	for _, ticker := range tickers {
		weights[ticker] = equal
	}
	return weights
}

// Save 保存或覆盖一份组合配置，写入前做权重校验。
func (m *Manager) Save(ctx context.Context, def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("portfolio: 组合名不能为空: %w", ErrInvalidWeights)
	}
	if err := m.ValidateWeights(def.Weights); err != nil {
		return err
	}
	if def.Margin <= 0 {
		def.Margin = 1.0
	}

	encoded, err := json.Marshal(def.Weights)
	if err != nil {
		return fmt.Errorf("portfolio: 序列化权重失败: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO portfolios (name, description, weights, margin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			weights = excluded.weights,
			margin = excluded.margin,
			updated_at = excluded.updated_at`,
		def.Name, def.Description, string(encoded), def.Margin, now, now)
	if err != nil {
		return fmt.Errorf("portfolio: 保存组合 %s 失败: %w", def.Name, err)
	}

	m.logger.Info("组合配置已保存",
		zap.String("name", def.Name),
		zap.Int("tickers", len(def.Weights)),
		zap.Float64("margin", def.Margin),
	)
	return nil
}

// Get 读取一份组合配置。
func (m *Manager) Get(ctx context.Context, name string) (Definition, error) {
	var (
		def        Definition
		rawWeights string
		createdAt  string
		updatedAt  string
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(description, ''), weights, margin, created_at, updated_at
		FROM portfolios WHERE name = ?`, name).
		Scan(&def.Name, &def.Description, &rawWeights, &def.Margin, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, fmt.Errorf("portfolio: 组合 %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("portfolio: 查询组合 %s 失败: %w", name, err)
	}

	if err := json.Unmarshal([]byte(rawWeights), &def.Weights); err != nil {
		return Definition{}, fmt.Errorf("portfolio: 解析组合 %s 的权重失败: %w", name, err)
	}
	def.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	def.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return def, nil
}

// List 返回全部组合配置，按名称排序。
func (m *Manager) List(ctx context.Context) ([]Definition, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT name, COALESCE(description, ''), weights, margin, created_at, updated_at
		FROM portfolios ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("portfolio: 查询组合列表失败: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var (
			def        Definition
			rawWeights string
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(&def.Name, &def.Description, &rawWeights, &def.Margin, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("portfolio: 读取组合行失败: %w", err)
		}
		if err := json.Unmarshal([]byte(rawWeights), &def.Weights); err != nil {
			m.logger.Warn("组合权重解析失败，跳过",
				zap.String("name", def.Name), zap.Error(err))
			continue
		}
		def.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		def.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Delete 删除一份组合配置，不存在时返回 ErrNotFound。
func (m *Manager) Delete(ctx context.Context, name string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM portfolios WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("portfolio: 删除组合 %s 失败: %w", name, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("portfolio: 组合 %s: %w", name, ErrNotFound)
	}

	m.logger.Info("组合配置已删除", zap.String("name", name))
	return nil
}
