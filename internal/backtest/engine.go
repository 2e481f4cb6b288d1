package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine 串联数据获取、收益合成、杠杆调整与净值拼接。
// 引擎本身无状态，所有外部依赖通过构造函数注入，单次调用只操作自己的输入快照。
type Engine struct {
	cfg    Config
	prices PriceProvider
	rates  RateProvider
	logger *zap.Logger
}

// NewEngine 构建回测引擎。rates 允许为 nil，此时无风险利率始终使用兜底常数。
func NewEngine(cfg Config, prices PriceProvider, rates RateProvider, logger *zap.Logger) (*Engine, error) {
	if prices == nil {
		return nil, fmt.Errorf("backtest: price provider 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:    cfg.normalize(),
		prices: prices,
		rates:  rates,
		logger: logger,
	}, nil
}

// Run 执行单区间回测：固定权重与杠杆贯穿整个日期范围。
func (e *Engine) Run(ctx context.Context, tickers []string, weights map[string]float64, start, end time.Time, margin float64) (Result, error) {
	if !start.Before(end) {
		return Result{}, fmt.Errorf("backtest: 区间 %s..%s 非法: %w", formatDate(start), formatDate(end), ErrInvalidRange)
	}
	for _, ticker := range tickers {
		if _, ok := weights[ticker]; !ok {
			return Result{}, fmt.Errorf("backtest: 标的 %s 缺少权重: %w", ticker, ErrMissingWeight)
		}
	}

	curve, err := e.runPipeline(ctx, weights, start, end, margin)
	if err != nil {
		return Result{}, err
	}

	metrics, err := e.metricsFor(ctx, curve, nil)
	if err != nil {
		return Result{}, err
	}

	return Result{EquityCurve: curve, Metrics: metrics}, nil
}

// RunSegmented 执行分段回测：全局权重/杠杆覆盖整个区间，子区间可以分别覆盖两者，
// 并允许引入全局配置之外的新标的。各分段独立计算后按连续性规则缩放拼接，
// 边界重复日期保留后一分段的取值。
func (e *Engine) RunSegmented(
	ctx context.Context,
	globalWeights map[string]float64,
	globalMargin float64,
	start, end time.Time,
	subPeriods []SubPeriod,
) (Result, error) {
	if len(globalWeights) == 0 {
		return Result{}, fmt.Errorf("backtest: 全局权重为空: %w", ErrMissingWeight)
	}

	segments, err := buildSegments(start, end, globalWeights, globalMargin, subPeriods)
	if err != nil {
		return Result{}, err
	}

	var (
		stitched  []EquityPoint
		breakdown []PeriodResult
		timeline  []WeightTimelinePoint
		lastValue = initialEquity
	)

	for _, seg := range segments {
		curve, pipeErr := e.runPipeline(ctx, seg.weights, seg.start, seg.end, seg.margin)
		if pipeErr != nil {
			if errors.Is(pipeErr, ErrNoData) {
				e.logger.Warn("分段无可用数据，跳过",
					zap.String("start", formatDate(seg.start)),
					zap.String("end", formatDate(seg.end)),
				)
				continue
			}
			return Result{}, pipeErr
		}

		// 连续性规则：将本段曲线整体缩放，使其首点与上一段的末点重合。
		if len(stitched) > 0 {
			scale := lastValue / curve[0].Value
			for i := range curve {
				curve[i].Value *= scale
			}
		}
		lastValue = curve[len(curve)-1].Value

		segMetrics := calculateMetrics(curve, e.cfg.RiskFreeFallback, e.cfg.TradingDays)
		breakdown = append(breakdown, PeriodResult{
			Start:      seg.start,
			End:        seg.end,
			Weights:    seg.weights,
			Margin:     seg.margin,
			Return:     segMetrics.TotalReturn,
			IsOverride: seg.override,
		})
		timeline = append(timeline, WeightTimelinePoint{Date: seg.start, Weights: seg.weights})

		stitched = append(stitched, curve...)
	}

	if len(stitched) == 0 {
		return Result{}, fmt.Errorf("backtest: 区间 %s..%s 内所有分段均无数据: %w",
			formatDate(start), formatDate(end), ErrNoData)
	}

	stitched = dedupeByDate(stitched)

	metrics, err := e.metricsFor(ctx, stitched, nil)
	if err != nil {
		return Result{}, err
	}

	return Result{
		EquityCurve:     stitched,
		Metrics:         metrics,
		PeriodBreakdown: breakdown,
		WeightTimeline:  timeline,
	}, nil
}

// AnalyzePeriod 截取已有净值曲线的子区间，归一到基准100后重新计算指标。
func (e *Engine) AnalyzePeriod(ctx context.Context, curve []EquityPoint, start, end time.Time) (PerformanceMetrics, error) {
	sliced := make([]EquityPoint, 0, len(curve))
	for _, point := range curve {
		if point.Date.Before(start) || point.Date.After(end) {
			continue
		}
		sliced = append(sliced, point)
	}
	sort.Slice(sliced, func(i, j int) bool { return sliced[i].Date.Before(sliced[j].Date) })

	if len(sliced) == 0 {
		return PerformanceMetrics{}, fmt.Errorf("backtest: 区间 %s..%s 内没有曲线数据: %w",
			formatDate(start), formatDate(end), ErrNoData)
	}

	base := sliced[0].Value
	for i := range sliced {
		sliced[i].Value = sliced[i].Value / base * initialEquity
	}

	return e.metricsFor(ctx, sliced, nil)
}

// initialEquity 是每条分段曲线的本地基准净值。
const initialEquity = 100.0

// runPipeline 对单个分段执行完整计算管线：收益率 → 加权合成 → 杠杆调整 → 净值曲线。
// 只拉取当前权重涉及的标的。
func (e *Engine) runPipeline(ctx context.Context, weights map[string]float64, start, end time.Time, margin float64) ([]EquityPoint, error) {
	tickers := make([]string, 0, len(weights))
	for ticker := range weights {
		tickers = append(tickers, ticker)
	}

	returnsByTicker, err := e.fetchReturns(ctx, tickers, start, end)
	if err != nil {
		return nil, err
	}
	if len(returnsByTicker) == 0 {
		return nil, fmt.Errorf("backtest: 区间 %s..%s 内没有任何标的有可用数据: %w",
			formatDate(start), formatDate(end), ErrNoData)
	}

	portfolioReturns := ApplyWeights(returnsByTicker, weights)
	if len(portfolioReturns) == 0 {
		return nil, fmt.Errorf("backtest: 区间 %s..%s 内各标的没有共同交易日: %w",
			formatDate(start), formatDate(end), ErrNoData)
	}

	if margin != 1.0 {
		portfolioReturns = e.applyMargin(ctx, portfolioReturns, margin, start, end)
	}

	return BuildEquityCurve(portfolioReturns, initialEquity), nil
}

// fetchReturns 并发拉取各标的价格并转换为收益率序列。
// 单个标的失败或数据不足时仅记录日志并跳过，由上层决定整体是否可用。
func (e *Engine) fetchReturns(ctx context.Context, tickers []string, start, end time.Time) (map[string][]ReturnPoint, error) {
	var mu sync.Mutex
	returnsByTicker := make(map[string][]ReturnPoint, len(tickers))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ticker := range tickers {
		group.Go(func() error {
			prices, err := e.prices.GetPriceSeries(groupCtx, ticker, start, end)
			if err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				e.logger.Warn("拉取价格数据失败，跳过该标的",
					zap.String("ticker", ticker), zap.Error(err))
				return nil
			}

			returns, err := CalculateReturns(prices)
			if err != nil {
				e.logger.Warn("标的数据不足，跳过",
					zap.String("ticker", ticker),
					zap.String("start", formatDate(start)),
					zap.String("end", formatDate(end)),
					zap.Error(err),
				)
				return nil
			}

			mu.Lock()
			returnsByTicker[ticker] = returns
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return returnsByTicker, nil
}

// applyMargin 对分段收益率施加杠杆并扣除借贷成本。m 为 1 时调用方直接跳过本方法。
func (e *Engine) applyMargin(ctx context.Context, returns []ReturnPoint, margin float64, start, end time.Time) []ReturnPoint {
	rate := e.riskFreeRate(ctx, start, end)

	annualBorrowRate := rate + e.cfg.MarginFee
	dailyBorrowRate := annualBorrowRate / float64(e.cfg.TradingDays)
	dailyInterestCost := (margin - 1) * dailyBorrowRate

	return leverageReturns(returns, margin, dailyInterestCost)
}

// riskFreeRate 查询区间平均无风险利率，数据不可用时降级为兜底常数，绝不失败。
func (e *Engine) riskFreeRate(ctx context.Context, start, end time.Time) float64 {
	if e.rates == nil {
		return e.cfg.RiskFreeFallback
	}

	rate, ok, err := e.rates.GetAverageRate(ctx, e.cfg.RateSeries, start, end)
	if err != nil {
		e.logger.Warn("查询无风险利率失败，使用兜底值",
			zap.String("series", e.cfg.RateSeries), zap.Error(err))
		return e.cfg.RiskFreeFallback
	}
	if !ok {
		return e.cfg.RiskFreeFallback
	}
	return rate
}

// metricsFor 为一条完成的净值曲线计算指标，无风险利率优先使用显式传入值。
func (e *Engine) metricsFor(ctx context.Context, curve []EquityPoint, riskFree *float64) (PerformanceMetrics, error) {
	if len(curve) == 0 {
		return PerformanceMetrics{}, fmt.Errorf("backtest: 净值曲线为空: %w", ErrNoData)
	}

	rate := 0.0
	if riskFree != nil {
		rate = *riskFree
	} else {
		rate = e.riskFreeRate(ctx, curve[0].Date, curve[len(curve)-1].Date)
	}

	return calculateMetrics(curve, rate, e.cfg.TradingDays), nil
}

// dedupeByDate 对拼接后的曲线按日期排序并去重，同一日期保留后写入的取值。
func dedupeByDate(curve []EquityPoint) []EquityPoint {
	byDate := make(map[int64]EquityPoint, len(curve))
	for _, point := range curve {
		byDate[point.Date.Unix()] = point
	}

	out := make([]EquityPoint, 0, len(byDate))
	for _, point := range byDate {
		out = append(out, point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
