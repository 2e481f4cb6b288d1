package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/config"
)

const fredObservationsURL = "https://api.stlouisfed.org/fred/series/observations"

// FREDClient 从圣路易斯联储 FRED 接口获取宏观时间序列。
type FREDClient struct {
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	retry      *retrier
}

// NewFREDClient 构造 FRED 客户端。apiKey 为空时调用 FetchObservations 会直接报错。
func NewFREDClient(cfg config.MarketConfig, logger *zap.Logger) *FREDClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &FREDClient{
		apiKey:     cfg.FREDAPIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		retry: &retrier{
			cfg:      cfg.Retry,
			logger:   logger,
			classify: classifyHTTPError,
		},
	}
}

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FetchObservations 拉取 [start, end] 闭区间内的观测值。
// FRED 用 "." 表示缺失观测，这类行会被跳过；利率序列的取值保持百分比原样。
func (c *FREDClient) FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]RatePoint, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("market: 未配置 FRED API key，无法拉取序列 %s", seriesID)
	}

	query := url.Values{}
	query.Set("series_id", seriesID)
	query.Set("api_key", c.apiKey)
	query.Set("file_type", "json")
	query.Set("observation_start", start.Format("2006-01-02"))
	query.Set("observation_end", end.Format("2006-01-02"))

	endpoint := fredObservationsURL + "?" + query.Encode()

	var decoded fredResponse
	err := c.retry.do(ctx, "fred_observations", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &httpStatusError{status: resp.StatusCode, body: string(body)}
		}

		decoded = fredResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("market: 解析 FRED 响应失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("market: 拉取 FRED 序列 %s 失败: %w", seriesID, err)
	}

	points := make([]RatePoint, 0, len(decoded.Observations))
	for _, obs := range decoded.Observations {
		if obs.Value == "." {
			continue
		}

		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			c.logger.Warn("FRED 观测值无法解析，跳过",
				zap.String("series", seriesID),
				zap.String("date", obs.Date),
				zap.String("value", obs.Value),
			)
			continue
		}

		date, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			continue
		}

		points = append(points, RatePoint{Date: date.UTC(), Value: value})
	}

	c.logger.Debug("FRED 观测值拉取完成",
		zap.String("series", seriesID),
		zap.Int("rows", len(points)),
	)
	return points, nil
}
