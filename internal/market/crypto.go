package market

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"portfolio-viewer/internal/config"
)

// CryptoClient 通过 ccxt 从交易所获取加密货币日线数据。
// 符号使用 ccxt 统一格式（如 BTC/USDT）。
type CryptoClient struct {
	logger   *zap.Logger
	exchange *ccxt.Binance
	retry    *retrier

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCryptoClient 构造币安现货客户端。只读行情不需要 API 密钥。
func NewCryptoClient(cfg config.MarketConfig, logger *zap.Logger) *CryptoClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}

	ex := ccxt.NewBinance(userConfig)

	return &CryptoClient{
		logger:   logger,
		exchange: ex,
		retry: &retrier{
			cfg:      cfg.Retry,
			logger:   logger,
			classify: classifyCCXTError,
		},
	}
}

// FetchDaily 拉取 [start, end] 闭区间内的日K线。单页上限1000根，超出时按时间向前翻页。
func (c *CryptoClient) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]PricePoint, error) {
	const pageLimit = int64(1000)

	var points []PricePoint
	since := start.UTC().UnixMilli()
	endMilli := end.UTC().AddDate(0, 0, 1).UnixMilli()

	for since < endMilli {
		var page []ccxt.OHLCV
		err := c.retry.do(ctx, "fetch_ohlcv_1d", func() error {
			if err := c.ensureMarketsLoaded(ctx); err != nil {
				return err
			}

			result, err := c.exchange.FetchOHLCV(
				symbol,
				ccxt.WithFetchOHLCVTimeframe("1d"),
				ccxt.WithFetchOHLCVSince(since),
				ccxt.WithFetchOHLCVLimit(pageLimit),
			)
			if err != nil {
				return err
			}

			page = result
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("market: 拉取 %s 日K线失败: %w", symbol, err)
		}
		if len(page) == 0 {
			break
		}

		for _, item := range page {
			if item.Timestamp >= endMilli {
				continue
			}
			date := time.UnixMilli(item.Timestamp).UTC().Truncate(24 * time.Hour)
			points = append(points, PricePoint{
				Date:     date,
				Open:     item.Open,
				High:     item.High,
				Low:      item.Low,
				Close:    item.Close,
				AdjClose: item.Close, // 加密资产无分红拆股，复权价即收盘价
				Volume:   int64(item.Volume),
			})
		}

		last := page[len(page)-1].Timestamp
		if last <= since {
			break
		}
		since = last + 24*time.Hour.Milliseconds()

		if int64(len(page)) < pageLimit {
			break
		}
	}

	c.logger.Debug("加密货币日K线拉取完成",
		zap.String("symbol", symbol),
		zap.Int("rows", len(points)),
	)
	return points, nil
}

func (c *CryptoClient) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.retry.do(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成交易所市场元数据加载")
	return nil
}

func classifyCCXTError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
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
