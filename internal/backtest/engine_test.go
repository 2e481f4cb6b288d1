package backtest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"portfolio-viewer/internal/market"
)

// growthPrices 生成从 start 起每日复利 rate 的价格序列。
func growthPrices(start time.Time, initial, rate float64, days int) []market.PricePoint {
	points := make([]market.PricePoint, days)
	value := initial
	for i := 0; i < days; i++ {
		points[i] = market.PricePoint{Date: start.AddDate(0, 0, i), AdjClose: value, Close: value}
		value *= 1 + rate
	}
	return points
}

func newTestEngine(t *testing.T, series map[string][]market.PricePoint, rates RateProvider) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{}, &MapPriceProvider{Series: series}, rates, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return engine
}

func TestNewEngine_RequiresPriceProvider(t *testing.T) {
	if _, err := NewEngine(Config{}, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil price provider")
	}
}

func TestEngineRun_SingleTicker(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": dailyPrices(day(2020, 1, 1), 100, 110, 121),
	}, nil)

	result, err := engine.Run(context.Background(), []string{"AAA"},
		map[string]float64{"AAA": 1}, day(2020, 1, 1), day(2020, 1, 31), 1.0)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.EquityCurve) != 3 {
		t.Fatalf("expected 3 curve points, got %d", len(result.EquityCurve))
	}
	if !approxEqual(result.Metrics.TotalReturn, 0.21, 1e-9) {
		t.Errorf("expected total return 0.21, got %v", result.Metrics.TotalReturn)
	}
	// 无利率数据源时使用兜底无风险利率。
	if result.Metrics.RiskFreeRate != 0.02 {
		t.Errorf("expected fallback risk-free rate 0.02, got %v", result.Metrics.RiskFreeRate)
	}
}

func TestEngineRun_ValidationErrors(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": dailyPrices(day(2020, 1, 1), 100, 110),
	}, nil)
	ctx := context.Background()
	weights := map[string]float64{"AAA": 1}

	if _, err := engine.Run(ctx, []string{"AAA"}, weights, day(2020, 2, 1), day(2020, 1, 1), 1.0); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := engine.Run(ctx, []string{"AAA", "BBB"}, weights, day(2020, 1, 1), day(2020, 1, 31), 1.0); !errors.Is(err, ErrMissingWeight) {
		t.Errorf("expected ErrMissingWeight, got %v", err)
	}
	if _, err := engine.Run(ctx, []string{"ZZZ"}, map[string]float64{"ZZZ": 1}, day(2020, 1, 1), day(2020, 1, 31), 1.0); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData for unknown ticker, got %v", err)
	}
}

func TestEngineRun_MarginAdjustment(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": growthPrices(day(2020, 1, 1), 100, 0.02, 3),
	}, &StaticRateProvider{Rate: 0.05, Available: true})

	result, err := engine.Run(context.Background(), []string{"AAA"},
		map[string]float64{"AAA": 1}, day(2020, 1, 1), day(2020, 1, 31), 2.0)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	dailyInterestCost := (2.0 - 1.0) * (0.05 + 0.01) / 252
	wantDaily := 2.0*0.02 - dailyInterestCost

	curve := result.EquityCurve
	if len(curve) != 3 {
		t.Fatalf("expected 3 curve points, got %d", len(curve))
	}
	if !approxEqual(curve[1].Value, 100*(1+wantDaily), 1e-9) {
		t.Errorf("expected first leveraged point %v, got %v", 100*(1+wantDaily), curve[1].Value)
	}
	if !approxEqual(curve[2].Value, 100*math.Pow(1+wantDaily, 2), 1e-9) {
		t.Errorf("expected second leveraged point %v, got %v", 100*math.Pow(1+wantDaily, 2), curve[2].Value)
	}
}

func TestEngineRun_MarginOneIsNoOp(t *testing.T) {
	series := map[string][]market.PricePoint{
		"AAA": dailyPrices(day(2020, 1, 1), 100, 103, 99.5, 104),
	}
	engine := newTestEngine(t, series, &StaticRateProvider{Rate: 0.05, Available: true})

	result, err := engine.Run(context.Background(), []string{"AAA"},
		map[string]float64{"AAA": 1}, day(2020, 1, 1), day(2020, 1, 31), 1.0)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	returns, err := CalculateReturns(series["AAA"])
	if err != nil {
		t.Fatalf("CalculateReturns returned error: %v", err)
	}
	want := BuildEquityCurve(returns, 100)

	if len(result.EquityCurve) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(result.EquityCurve))
	}
	for i := range want {
		if !approxEqual(result.EquityCurve[i].Value, want[i].Value, 1e-12) {
			t.Errorf("point %d: margin=1 run must match the raw curve, expected %v got %v",
				i, want[i].Value, result.EquityCurve[i].Value)
		}
	}
}

func TestEngineRun_SkipsFailedTicker(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": dailyPrices(day(2020, 1, 1), 100, 110, 121),
		"BBB": dailyPrices(day(2020, 1, 1), 50), // 数据不足
	}, nil)

	result, err := engine.Run(context.Background(), []string{"AAA", "BBB"},
		map[string]float64{"AAA": 0.5, "BBB": 0.5}, day(2020, 1, 1), day(2020, 1, 31), 1.0)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// BBB 被跳过后权重仍按原始和归一：每日组合收益为 0.5*0.10。
	if !approxEqual(result.EquityCurve[1].Value, 105, 1e-9) {
		t.Errorf("expected 105 after one half-weighted day, got %v", result.EquityCurve[1].Value)
	}
}

func TestEngineRunSegmented_ContinuityAtBoundaries(t *testing.T) {
	weights := map[string]float64{"AAA": 1}
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": growthPrices(day(2020, 1, 1), 100, 0.01, 30),
	}, nil)

	result, err := engine.RunSegmented(context.Background(), weights, 1.0,
		day(2020, 1, 1), day(2020, 1, 30), []SubPeriod{
			{Start: day(2020, 1, 11), End: day(2020, 1, 20), Weights: weights},
		})
	if err != nil {
		t.Fatalf("RunSegmented returned error: %v", err)
	}

	curve := result.EquityCurve
	if len(curve) < 3 {
		t.Fatalf("expected a stitched multi-segment curve, got %d points", len(curve))
	}

	for i := 1; i < len(curve); i++ {
		if !curve[i-1].Date.Before(curve[i].Date) {
			t.Fatalf("curve dates not strictly increasing at index %d", i)
		}
		ratio := curve[i].Value / curve[i-1].Value
		// 数据是恒定的1%日涨幅：任何相邻比值要么是段内复利，要么是缩放对齐后的无缝边界。
		if !approxEqual(ratio, 1.01, 1e-9) && !approxEqual(ratio, 1.0, 1e-9) {
			t.Errorf("discontinuity at %s: ratio %v", formatDate(curve[i].Date), ratio)
		}
	}

	if len(result.PeriodBreakdown) != 3 {
		t.Fatalf("expected 3 period results, got %d", len(result.PeriodBreakdown))
	}
	if result.PeriodBreakdown[0].IsOverride || !result.PeriodBreakdown[1].IsOverride || result.PeriodBreakdown[2].IsOverride {
		t.Errorf("unexpected override flags: %+v", result.PeriodBreakdown)
	}
	if len(result.WeightTimeline) != 3 {
		t.Errorf("expected 3 weight timeline entries, got %d", len(result.WeightTimeline))
	}
}

func TestEngineRunSegmented_SkipsEmptySegments(t *testing.T) {
	weights := map[string]float64{"AAA": 1}
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": growthPrices(day(2020, 1, 1), 100, 0.01, 31), // 数据只覆盖一月
	}, nil)

	result, err := engine.RunSegmented(context.Background(), weights, 1.0,
		day(2020, 1, 1), day(2020, 3, 31), []SubPeriod{
			{Start: day(2020, 3, 1), End: day(2020, 3, 10), Weights: weights},
		})
	if err != nil {
		t.Fatalf("RunSegmented returned error: %v", err)
	}

	if len(result.PeriodBreakdown) != 1 {
		t.Fatalf("expected only the January segment to survive, got %d", len(result.PeriodBreakdown))
	}
	last := result.EquityCurve[len(result.EquityCurve)-1]
	if last.Date.After(day(2020, 1, 31)) {
		t.Errorf("curve should end within January, got %v", last.Date)
	}
}

func TestEngineRunSegmented_AllSegmentsEmpty(t *testing.T) {
	weights := map[string]float64{"AAA": 1}
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": growthPrices(day(2020, 1, 1), 100, 0.01, 10),
	}, nil)

	_, err := engine.RunSegmented(context.Background(), weights, 1.0,
		day(2021, 1, 1), day(2021, 12, 31), nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData when no segment has data, got %v", err)
	}
}

func TestEngineRunSegmented_RejectsOverlappingOverrides(t *testing.T) {
	weights := map[string]float64{"AAA": 1}
	engine := newTestEngine(t, map[string][]market.PricePoint{
		"AAA": growthPrices(day(2020, 1, 1), 100, 0.01, 60),
	}, nil)

	_, err := engine.RunSegmented(context.Background(), weights, 1.0,
		day(2020, 1, 1), day(2020, 2, 29), []SubPeriod{
			{Start: day(2020, 1, 5), End: day(2020, 1, 20), Weights: weights},
			{Start: day(2020, 1, 15), End: day(2020, 2, 10), Weights: weights},
		})
	if !errors.Is(err, ErrOverlappingPeriods) {
		t.Fatalf("expected ErrOverlappingPeriods, got %v", err)
	}
}

func TestEngineAnalyzePeriod_RenormalizesToBase(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{}, nil)

	curve := []EquityPoint{
		{Date: day(2020, 1, 1), Value: 100},
		{Date: day(2020, 1, 2), Value: 110},
		{Date: day(2020, 1, 3), Value: 121},
		{Date: day(2020, 1, 4), Value: 133.1},
	}

	metrics, err := engine.AnalyzePeriod(context.Background(), curve, day(2020, 1, 2), day(2020, 1, 4))
	if err != nil {
		t.Fatalf("AnalyzePeriod returned error: %v", err)
	}

	if !approxEqual(metrics.TotalReturn, 0.21, 1e-9) {
		t.Errorf("expected sub-period total return 0.21, got %v", metrics.TotalReturn)
	}
	if !metrics.StartDate.Equal(day(2020, 1, 2)) || !metrics.EndDate.Equal(day(2020, 1, 4)) {
		t.Errorf("unexpected metric dates: %v..%v", metrics.StartDate, metrics.EndDate)
	}
}

func TestEngineAnalyzePeriod_EmptyWindow(t *testing.T) {
	engine := newTestEngine(t, map[string][]market.PricePoint{}, nil)

	curve := []EquityPoint{{Date: day(2020, 1, 1), Value: 100}}
	_, err := engine.AnalyzePeriod(context.Background(), curve, day(2021, 1, 1), day(2021, 12, 31))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}
