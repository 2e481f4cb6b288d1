package backtest

import (
	"context"
	"time"

	"portfolio-viewer/internal/market"
)

// MapPriceProvider 以内存映射提供价格序列，便于在回测与测试中注入固定数据。
type MapPriceProvider struct {
	Series map[string][]market.PricePoint
}

func (p *MapPriceProvider) GetPriceSeries(ctx context.Context, ticker string, start, end time.Time) ([]market.PricePoint, error) {
	series, ok := p.Series[ticker]
	if !ok {
		return nil, nil
	}

	out := make([]market.PricePoint, 0, len(series))
	for _, point := range series {
		if point.Date.Before(start) || point.Date.After(end) {
			continue
		}
		out = append(out, point)
	}
	return out, nil
}

// StaticRateProvider 返回固定利率，Available 为 false 时模拟数据缺失。
type StaticRateProvider struct {
	Rate      float64
	Available bool
}

func (p *StaticRateProvider) GetAverageRate(ctx context.Context, seriesID string, start, end time.Time) (float64, bool, error) {
	if !p.Available {
		return 0, false, nil
	}
	return p.Rate, true, nil
}
