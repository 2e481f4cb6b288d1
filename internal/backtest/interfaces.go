package backtest

import (
	"context"
	"time"

	"portfolio-viewer/internal/market"
)

// PriceProvider 提供标的在指定区间内的日线价格序列，允许返回空序列。
type PriceProvider interface {
	GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) ([]market.PricePoint, error)
}

// RateProvider 提供某宏观序列在区间内的年化平均利率（小数形式），ok 为 false 表示数据不可用。
type RateProvider interface {
	GetAverageRate(ctx context.Context, seriesID string, start, end time.Time) (rate float64, ok bool, err error)
}
