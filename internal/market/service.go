package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/config"
	"portfolio-viewer/internal/store"
)

// priceFetcher 抽象日线价格数据源，便于按标的类型分发和在测试中注入假实现。
type priceFetcher interface {
	FetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]PricePoint, error)
}

// macroFetcher 抽象宏观序列数据源。
type macroFetcher interface {
	FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]RatePoint, error)
}

// Service 在 SQLite 缓存之上提供行情与宏观数据访问。
// 读取路径优先命中缓存，缺口按需从上游拉取并增量写回；
// 上游对应日期不可用时降级返回缓存中已有的数据。
type Service struct {
	db       *sql.DB
	cfg      config.MarketConfig
	logger   *zap.Logger
	equities priceFetcher
	crypto   priceFetcher
	macro    macroFetcher
}

// NewService 构建数据服务并初始化缓存表结构。
func NewService(st *store.Store, cfg config.MarketConfig, equities priceFetcher, crypto priceFetcher, macro macroFetcher, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("market: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		db:       st.DB(),
		cfg:      cfg,
		logger:   logger,
		equities: equities,
		crypto:   crypto,
		macro:    macro,
	}

	if err := svc.initSchema(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS asset_prices (
	ticker    TEXT NOT NULL,
	date      TEXT NOT NULL,
	open      REAL,
	high      REAL,
	low       REAL,
	close     REAL,
	adj_close REAL,
	volume    INTEGER,
	PRIMARY KEY (ticker, date)
);
CREATE TABLE IF NOT EXISTS macro_data (
	series_id TEXT NOT NULL,
	date      TEXT NOT NULL,
	value     REAL NOT NULL,
	PRIMARY KEY (series_id, date)
);
CREATE TABLE IF NOT EXISTS data_metadata (
	key          TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	first_date   TEXT,
	last_date    TEXT,
	last_updated TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_asset_prices_date ON asset_prices(ticker, date);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("market: 初始化缓存表结构失败: %w", err)
	}
	return nil
}

// isCryptoSymbol 以 ccxt 统一符号中的斜杠区分加密货币与传统证券。
func isCryptoSymbol(ticker string) bool {
	return strings.Contains(ticker, "/")
}

func (s *Service) fetcherFor(ticker string) (priceFetcher, string) {
	if isCryptoSymbol(ticker) {
		return s.crypto, SourceCrypto
	}
	return s.equities, SourceYahoo
}

// GetPriceSeries 返回 [start, end] 闭区间内的日线数据，缓存缺口自动从上游补齐。
// 补齐失败但缓存内已有部分数据时降级返回缓存内容。
func (s *Service) GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) ([]PricePoint, error) {
	if err := s.ensurePrices(ctx, ticker, start, end); err != nil {
		cached, loadErr := s.LoadPrices(ctx, ticker, start, end)
		if loadErr != nil || len(cached) == 0 {
			return nil, err
		}
		s.logger.Warn("上游数据补齐失败，降级返回缓存数据",
			zap.String("ticker", ticker), zap.Error(err))
		return cached, nil
	}
	return s.LoadPrices(ctx, ticker, start, end)
}

// LoadPrices 只读缓存，不触发上游拉取。
func (s *Service) LoadPrices(ctx context.Context, ticker string, start, end time.Time) ([]PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, adj_close, volume
		FROM asset_prices
		WHERE ticker = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		ticker, dateStr(start), dateStr(end))
	if err != nil {
		return nil, fmt.Errorf("market: 查询 %s 价格缓存失败: %w", ticker, err)
	}
	defer rows.Close()

	var points []PricePoint
	for rows.Next() {
		var (
			rawDate string
			p       PricePoint
		)
		if err := rows.Scan(&rawDate, &p.Open, &p.High, &p.Low, &p.Close, &p.AdjClose, &p.Volume); err != nil {
			return nil, fmt.Errorf("market: 读取 %s 价格行失败: %w", ticker, err)
		}
		date, err := parseDate(rawDate)
		if err != nil {
			continue
		}
		p.Date = date
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market: 遍历 %s 价格行失败: %w", ticker, err)
	}
	return points, nil
}

// ensurePrices 对比缓存覆盖范围与请求范围，只拉取缺失的头部/尾部区间。
func (s *Service) ensurePrices(ctx context.Context, ticker string, start, end time.Time) error {
	fetcher, source := s.fetcherFor(ticker)
	if fetcher == nil {
		return fmt.Errorf("market: 标的 %s 没有可用的数据源", ticker)
	}

	meta, err := s.loadMetadata(ctx, ticker)
	if err != nil && !errors.Is(err, ErrNoCachedData) {
		return err
	}

	if errors.Is(err, ErrNoCachedData) {
		added, fetchErr := s.fetchAndStorePrices(ctx, fetcher, ticker, start, end)
		if fetchErr != nil {
			return fetchErr
		}
		if added == 0 {
			return fmt.Errorf("market: 标的 %s 在 %s..%s 内无数据: %w",
				ticker, dateStr(start), dateStr(end), ErrUpstreamEmpty)
		}
		return s.refreshMetadata(ctx, ticker, source)
	}

	first, _ := parseDate(meta.FirstDate)
	last, _ := parseDate(meta.LastDate)
	changed := false

	if start.Before(first) {
		if _, fetchErr := s.fetchAndStorePrices(ctx, fetcher, ticker, start, first.AddDate(0, 0, -1)); fetchErr != nil {
			return fetchErr
		}
		changed = true
	}

	// 尾部只在缓存过期后重新探测，避免节假日期间反复请求空区间。
	if end.After(last) && time.Since(meta.LastUpdated) > s.cacheExpiry() {
		if _, fetchErr := s.fetchAndStorePrices(ctx, fetcher, ticker, last.AddDate(0, 0, 1), end); fetchErr != nil {
			return fetchErr
		}
		changed = true
	}

	if changed {
		return s.refreshMetadata(ctx, ticker, source)
	}
	return nil
}

func (s *Service) cacheExpiry() time.Duration {
	if s.cfg.CacheExpiry <= 0 {
		return 24 * time.Hour
	}
	return s.cfg.CacheExpiry
}

func (s *Service) fetchAndStorePrices(ctx context.Context, fetcher priceFetcher, ticker string, start, end time.Time) (int, error) {
	if start.After(end) {
		return 0, nil
	}

	points, err := fetcher.FetchDaily(ctx, ticker, start, end)
	if err != nil {
		return 0, err
	}
	return s.insertPrices(ctx, ticker, points)
}

func (s *Service) insertPrices(ctx context.Context, ticker string, points []PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("market: 开启写入事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO asset_prices (ticker, date, open, high, low, close, adj_close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("market: 准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, p := range points {
		result, err := stmt.ExecContext(ctx, ticker, dateStr(p.Date), p.Open, p.High, p.Low, p.Close, p.AdjClose, p.Volume)
		if err != nil {
			return 0, fmt.Errorf("market: 写入 %s 价格行失败: %w", ticker, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("market: 提交价格写入失败: %w", err)
	}
	return added, nil
}

// GetAverageRate 返回 [start, end] 内宏观序列的平均值（百分比换算为小数）。
// 区间内无观测值时返回 ok=false，由调用方决定兜底策略。
func (s *Service) GetAverageRate(ctx context.Context, seriesID string, start, end time.Time) (float64, bool, error) {
	if err := s.ensureMacro(ctx, seriesID, start, end); err != nil {
		s.logger.Warn("宏观数据补齐失败，继续使用缓存数据",
			zap.String("series", seriesID), zap.Error(err))
	}

	var (
		avg   sql.NullFloat64
		count int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(value), COUNT(*)
		FROM macro_data
		WHERE series_id = ? AND date >= ? AND date <= ?`,
		seriesID, dateStr(start), dateStr(end)).Scan(&avg, &count)
	if err != nil {
		return 0, false, fmt.Errorf("market: 查询宏观序列 %s 均值失败: %w", seriesID, err)
	}

	if count == 0 || !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64 / 100, true, nil
}

// LoadMacro 返回缓存中的宏观观测值。
func (s *Service) LoadMacro(ctx context.Context, seriesID string, start, end time.Time) ([]RatePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, value FROM macro_data
		WHERE series_id = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		seriesID, dateStr(start), dateStr(end))
	if err != nil {
		return nil, fmt.Errorf("market: 查询宏观序列 %s 失败: %w", seriesID, err)
	}
	defer rows.Close()

	var points []RatePoint
	for rows.Next() {
		var (
			rawDate string
			p       RatePoint
		)
		if err := rows.Scan(&rawDate, &p.Value); err != nil {
			return nil, fmt.Errorf("market: 读取宏观观测行失败: %w", err)
		}
		date, err := parseDate(rawDate)
		if err != nil {
			continue
		}
		p.Date = date
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Service) ensureMacro(ctx context.Context, seriesID string, start, end time.Time) error {
	if s.macro == nil {
		return fmt.Errorf("market: 未配置宏观数据源")
	}

	meta, err := s.loadMetadata(ctx, seriesID)
	if err != nil && !errors.Is(err, ErrNoCachedData) {
		return err
	}

	if errors.Is(err, ErrNoCachedData) {
		if _, fetchErr := s.fetchAndStoreMacro(ctx, seriesID, start, end); fetchErr != nil {
			return fetchErr
		}
		return s.refreshMacroMetadata(ctx, seriesID)
	}

	first, _ := parseDate(meta.FirstDate)
	last, _ := parseDate(meta.LastDate)
	changed := false

	if start.Before(first) {
		if _, fetchErr := s.fetchAndStoreMacro(ctx, seriesID, start, first.AddDate(0, 0, -1)); fetchErr != nil {
			return fetchErr
		}
		changed = true
	}
	if end.After(last) && time.Since(meta.LastUpdated) > s.cacheExpiry() {
		if _, fetchErr := s.fetchAndStoreMacro(ctx, seriesID, last.AddDate(0, 0, 1), end); fetchErr != nil {
			return fetchErr
		}
		changed = true
	}

	if changed {
		return s.refreshMacroMetadata(ctx, seriesID)
	}
	return nil
}

func (s *Service) fetchAndStoreMacro(ctx context.Context, seriesID string, start, end time.Time) (int, error) {
	if start.After(end) {
		return 0, nil
	}

	points, err := s.macro.FetchObservations(ctx, seriesID, start, end)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("market: 开启写入事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO macro_data (series_id, date, value) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("market: 准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, p := range points {
		result, err := stmt.ExecContext(ctx, seriesID, dateStr(p.Date), p.Value)
		if err != nil {
			return 0, fmt.Errorf("market: 写入宏观观测失败: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("market: 提交宏观写入失败: %w", err)
	}
	return added, nil
}

// UpdateAsset 把标的数据增量更新到当天，首次调用时从默认起始日期开始回填。
func (s *Service) UpdateAsset(ctx context.Context, ticker string) (UpdateResult, error) {
	fetcher, source := s.fetcherFor(ticker)
	if fetcher == nil {
		return UpdateResult{}, fmt.Errorf("market: 标的 %s 没有可用的数据源", ticker)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)

	meta, err := s.loadMetadata(ctx, ticker)
	if errors.Is(err, ErrNoCachedData) {
		added, fetchErr := s.fetchAndStorePrices(ctx, fetcher, ticker, s.cfg.DefaultStartDate(), today)
		if fetchErr != nil {
			return UpdateResult{}, fetchErr
		}
		if refreshErr := s.refreshMetadata(ctx, ticker, source); refreshErr != nil {
			return UpdateResult{}, refreshErr
		}
		return UpdateResult{Status: "initialized", RowsAdded: added}, nil
	}
	if err != nil {
		return UpdateResult{}, err
	}

	last, _ := parseDate(meta.LastDate)
	if !last.Before(today) {
		return UpdateResult{Status: "up_to_date"}, nil
	}

	added, err := s.fetchAndStorePrices(ctx, fetcher, ticker, last.AddDate(0, 0, 1), today)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := s.refreshMetadata(ctx, ticker, source); err != nil {
		return UpdateResult{}, err
	}

	status := "updated"
	if added == 0 {
		status = "no_new_data"
	}
	return UpdateResult{Status: status, RowsAdded: added}, nil
}

// UpdateMacro 把宏观序列增量更新到当天。
func (s *Service) UpdateMacro(ctx context.Context, seriesID string) (UpdateResult, error) {
	if s.macro == nil {
		return UpdateResult{}, fmt.Errorf("market: 未配置宏观数据源")
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)

	meta, err := s.loadMetadata(ctx, seriesID)
	if errors.Is(err, ErrNoCachedData) {
		added, fetchErr := s.fetchAndStoreMacro(ctx, seriesID, s.cfg.DefaultStartDate(), today)
		if fetchErr != nil {
			return UpdateResult{}, fetchErr
		}
		if refreshErr := s.refreshMacroMetadata(ctx, seriesID); refreshErr != nil {
			return UpdateResult{}, refreshErr
		}
		return UpdateResult{Status: "initialized", RowsAdded: added}, nil
	}
	if err != nil {
		return UpdateResult{}, err
	}

	last, _ := parseDate(meta.LastDate)
	if !last.Before(today) {
		return UpdateResult{Status: "up_to_date"}, nil
	}

	added, err := s.fetchAndStoreMacro(ctx, seriesID, last.AddDate(0, 0, 1), today)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := s.refreshMacroMetadata(ctx, seriesID); err != nil {
		return UpdateResult{}, err
	}

	status := "updated"
	if added == 0 {
		status = "no_new_data"
	}
	return UpdateResult{Status: status, RowsAdded: added}, nil
}

// ListTickers 返回所有已缓存的行情标的及其覆盖范围。
func (s *Service) ListTickers(ctx context.Context) ([]TickerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, source, COALESCE(first_date, ''), COALESCE(last_date, '')
		FROM data_metadata
		WHERE source != ?
		ORDER BY key`, SourceFRED)
	if err != nil {
		return nil, fmt.Errorf("market: 查询标的列表失败: %w", err)
	}
	defer rows.Close()

	var infos []TickerInfo
	for rows.Next() {
		var info TickerInfo
		if err := rows.Scan(&info.Ticker, &info.Source, &info.FirstDate, &info.LastDate); err != nil {
			return nil, fmt.Errorf("market: 读取标的元信息失败: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DataRange 返回某标的缓存数据的覆盖范围。
func (s *Service) DataRange(ctx context.Context, ticker string) (DateRange, error) {
	meta, err := s.loadMetadata(ctx, ticker)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{FirstDate: meta.FirstDate, LastDate: meta.LastDate}, nil
}

// CheckFreshness 判断某标的缓存是否需要更新。
func (s *Service) CheckFreshness(ctx context.Context, ticker string) (Freshness, error) {
	meta, err := s.loadMetadata(ctx, ticker)
	if errors.Is(err, ErrNoCachedData) {
		return Freshness{NeedsUpdate: true, Reason: "never_fetched"}, nil
	}
	if err != nil {
		return Freshness{}, err
	}

	fresh := Freshness{
		LastUpdated: meta.LastUpdated,
		FirstDate:   meta.FirstDate,
		LastDate:    meta.LastDate,
	}
	if time.Since(meta.LastUpdated) > s.cacheExpiry() {
		fresh.NeedsUpdate = true
		fresh.Reason = "stale"
	}
	return fresh, nil
}

type metadataRow struct {
	Source      string
	FirstDate   string
	LastDate    string
	LastUpdated time.Time
}

func (s *Service) loadMetadata(ctx context.Context, key string) (metadataRow, error) {
	var (
		meta       metadataRow
		rawUpdated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT source, COALESCE(first_date, ''), COALESCE(last_date, ''), last_updated
		FROM data_metadata WHERE key = ?`, key).
		Scan(&meta.Source, &meta.FirstDate, &meta.LastDate, &rawUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return metadataRow{}, fmt.Errorf("market: %s: %w", key, ErrNoCachedData)
	}
	if err != nil {
		return metadataRow{}, fmt.Errorf("market: 查询 %s 元信息失败: %w", key, err)
	}

	if updated, parseErr := time.Parse(time.RFC3339, rawUpdated); parseErr == nil {
		meta.LastUpdated = updated
	}
	return meta, nil
}

// refreshMetadata 以价格表的实际覆盖范围重建元信息行。
func (s *Service) refreshMetadata(ctx context.Context, ticker, source string) error {
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date) FROM asset_prices WHERE ticker = ?`, ticker).
		Scan(&first, &last)
	if err != nil {
		return fmt.Errorf("market: 统计 %s 覆盖范围失败: %w", ticker, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_metadata (key, source, first_date, last_date, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			first_date = excluded.first_date,
			last_date = excluded.last_date,
			last_updated = excluded.last_updated`,
		ticker, source, first.String, last.String, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("market: 更新 %s 元信息失败: %w", ticker, err)
	}
	return nil
}

func (s *Service) refreshMacroMetadata(ctx context.Context, seriesID string) error {
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date) FROM macro_data WHERE series_id = ?`, seriesID).
		Scan(&first, &last)
	if err != nil {
		return fmt.Errorf("market: 统计宏观序列 %s 覆盖范围失败: %w", seriesID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_metadata (key, source, first_date, last_date, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			first_date = excluded.first_date,
			last_date = excluded.last_date,
			last_updated = excluded.last_updated`,
		seriesID, SourceFRED, first.String, last.String, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("market: 更新宏观序列 %s 元信息失败: %w", seriesID, err)
	}
	return nil
}

func dateStr(t time.Time) string {
	return t.Format("2006-01-02")
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
