package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/config"
)

const yahooChartURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// 不带浏览器 UA 时 Yahoo 会返回 429。
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// YahooClient 通过 Yahoo Finance v8 chart 接口获取股票/ETF日线数据。
type YahooClient struct {
	httpClient *http.Client
	logger     *zap.Logger
	retry      *retrier
}

// NewYahooClient 构造 Yahoo 行情客户端。
func NewYahooClient(cfg config.MarketConfig, logger *zap.Logger) *YahooClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &YahooClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		retry: &retrier{
			cfg:      cfg.Retry,
			logger:   logger,
			classify: classifyHTTPError,
		},
	}
}

// chartResponse 对应 v8 chart 接口的响应结构，数值数组用指针承载 null 缺口。
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchDaily 拉取 [start, end] 闭区间内的日线数据，缺失收盘价的行会被丢弃。
func (c *YahooClient) FetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]PricePoint, error) {
	// chart 接口的 period2 为开区间，向后多推一天以包含 end 当日。
	query := url.Values{}
	query.Set("period1", fmt.Sprintf("%d", start.Unix()))
	query.Set("period2", fmt.Sprintf("%d", end.AddDate(0, 0, 1).Unix()))
	query.Set("interval", "1d")
	query.Set("events", "div,split")

	endpoint := fmt.Sprintf("%s/%s?%s", yahooChartURL, url.PathEscape(ticker), query.Encode())

	var decoded chartResponse
	err := c.retry.do(ctx, "yahoo_chart", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", browserUserAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &httpStatusError{status: resp.StatusCode, body: string(body)}
		}

		decoded = chartResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("market: 解析 Yahoo 响应失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("market: 拉取 %s 日线数据失败: %w", ticker, err)
	}

	if decoded.Chart.Error != nil {
		return nil, fmt.Errorf("market: Yahoo 返回错误 %s: %s",
			decoded.Chart.Error.Code, decoded.Chart.Error.Description)
	}
	if len(decoded.Chart.Result) == 0 {
		return nil, fmt.Errorf("market: 标的 %s: %w", ticker, ErrUpstreamEmpty)
	}

	result := decoded.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("market: 标的 %s: %w", ticker, ErrUpstreamEmpty)
	}
	quote := result.Indicators.Quote[0]

	var adjClose []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	deref := func(values []*float64, i int) float64 {
		if i >= len(values) || values[i] == nil {
			return 0
		}
		return *values[i]
	}

	points := make([]PricePoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		closePrice := deref(quote.Close, i)
		if closePrice == 0 {
			continue // 停牌日或数据缺口
		}

		adj := deref(adjClose, i)
		if adj == 0 {
			adj = closePrice
		}

		var volume int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}

		date := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		points = append(points, PricePoint{
			Date:     date,
			Open:     deref(quote.Open, i),
			High:     deref(quote.High, i),
			Low:      deref(quote.Low, i),
			Close:    closePrice,
			AdjClose: adj,
			Volume:   volume,
		})
	}

	c.logger.Debug("Yahoo 日线数据拉取完成",
		zap.String("ticker", ticker),
		zap.Int("rows", len(points)),
	)
	return points, nil
}

// httpStatusError 携带非200响应的状态码，供重试分类器识别瞬时故障。
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func classifyHTTPError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusTooManyRequests:
			return err, true
		case statusErr.status >= 500:
			return err, true
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
