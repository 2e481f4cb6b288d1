package statistics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	talib "github.com/markcheno/go-talib"

	"portfolio-viewer/internal/backtest"
)

// MinWindow 是滚动统计允许的最小窗口，更短的窗口数值意义太弱。
const MinWindow = 5

var (
	// ErrWindowTooSmall 表示滚动窗口小于允许下限。
	ErrWindowTooSmall = errors.New("rolling window too small")

	// ErrInsufficientSeries 表示序列长度不足以支撑请求的计算。
	ErrInsufficientSeries = errors.New("series too short for requested computation")
)

// AssetSummary 是单个标的的全区间统计摘要，收益与波动均已年化。
type AssetSummary struct {
	Ticker         string  `json:"ticker"`
	ExpectedReturn float64 `json:"expected_return"`
	Volatility     float64 `json:"volatility"`
	Observations   int     `json:"observations"`
}

// SummaryResult 汇总多标的统计与两两相关系数矩阵。
type SummaryResult struct {
	Assets       []AssetSummary                `json:"assets"`
	Correlations map[string]map[string]float64 `json:"correlations"`
	StartDate    time.Time                     `json:"start_date"`
	EndDate      time.Time                     `json:"end_date"`
}

// RollingPoint 是滚动统计曲线上的一个点。
type RollingPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Analyzer 基于日收益率序列计算描述性统计。
type Analyzer struct {
	tradingDays int
}

// NewAnalyzer 构建统计分析器，tradingDays 用于年化换算。
func NewAnalyzer(tradingDays int) *Analyzer {
	if tradingDays <= 0 {
		tradingDays = 252
	}
	return &Analyzer{tradingDays: tradingDays}
}

// Summarize 对多标的收益率做全区间统计：年化期望收益、年化波动率与相关系数矩阵。
// 单标的统计基于该标的自身的完整序列；相关系数矩阵基于内连接对齐后的共同交易日。
func (a *Analyzer) Summarize(returnsByTicker map[string][]backtest.ReturnPoint) (SummaryResult, error) {
	tickers, aligned, dates := alignSeries(returnsByTicker)
	if len(tickers) == 0 || len(dates) < 2 {
		return SummaryResult{}, fmt.Errorf("statistics: 对齐后的共同交易日不足: %w", ErrInsufficientSeries)
	}

	annualize := math.Sqrt(float64(a.tradingDays))
	assets := make([]AssetSummary, 0, len(tickers))
	var rangeStart, rangeEnd time.Time
	for _, ticker := range tickers {
		values := make([]float64, 0, len(returnsByTicker[ticker]))
		for _, point := range returnsByTicker[ticker] {
			values = append(values, point.Return)
			if rangeStart.IsZero() || point.Date.Before(rangeStart) {
				rangeStart = point.Date
			}
			if point.Date.After(rangeEnd) {
				rangeEnd = point.Date
			}
		}
		assets = append(assets, AssetSummary{
			Ticker:         ticker,
			ExpectedReturn: annualizeReturn(mean(values), a.tradingDays),
			Volatility:     sampleStdDev(values) * annualize,
			Observations:   len(values),
		})
	}

	correlations := make(map[string]map[string]float64, len(tickers))
	for _, x := range tickers {
		correlations[x] = make(map[string]float64, len(tickers))
		for _, y := range tickers {
			if x == y {
				correlations[x][y] = 1
				continue
			}
			corr := talib.Correl(aligned[x], aligned[y], len(dates))
			correlations[x][y] = corr[len(corr)-1]
		}
	}

	return SummaryResult{
		Assets:       assets,
		Correlations: correlations,
		StartDate:    rangeStart,
		EndDate:      rangeEnd,
	}, nil
}

// RollingVolatility 计算年化滚动波动率。
// talib 的 StdDev 是总体标准差，按 sqrt(w/(w-1)) 修正为样本标准差后再年化。
func (a *Analyzer) RollingVolatility(returns []backtest.ReturnPoint, window int) ([]RollingPoint, error) {
	values, dates, err := validateWindow(returns, window)
	if err != nil {
		return nil, err
	}

	raw := talib.StdDev(values, window, 1.0)
	adjust := math.Sqrt(float64(window)/float64(window-1)) * math.Sqrt(float64(a.tradingDays))

	points := make([]RollingPoint, 0, len(values)-window+1)
	for i := window - 1; i < len(raw); i++ {
		points = append(points, RollingPoint{Date: dates[i], Value: raw[i] * adjust})
	}
	return points, nil
}

// RollingMean 计算年化滚动平均收益，日均值按复利折算到年。
func (a *Analyzer) RollingMean(returns []backtest.ReturnPoint, window int) ([]RollingPoint, error) {
	values, dates, err := validateWindow(returns, window)
	if err != nil {
		return nil, err
	}

	raw := talib.Sma(values, window)

	points := make([]RollingPoint, 0, len(values)-window+1)
	for i := window - 1; i < len(raw); i++ {
		points = append(points, RollingPoint{Date: dates[i], Value: annualizeReturn(raw[i], a.tradingDays)})
	}
	return points, nil
}

// RollingCorrelation 计算两个标的的滚动相关系数，序列先按日期对齐。
func (a *Analyzer) RollingCorrelation(x, y []backtest.ReturnPoint, window int) ([]RollingPoint, error) {
	if window < MinWindow {
		return nil, fmt.Errorf("statistics: 窗口 %d 小于下限 %d: %w", window, MinWindow, ErrWindowTooSmall)
	}

	tickers, aligned, dates := alignSeries(map[string][]backtest.ReturnPoint{"x": x, "y": y})
	if len(tickers) != 2 || len(dates) < window {
		return nil, fmt.Errorf("statistics: 对齐后序列长度 %d 小于窗口 %d: %w",
			len(dates), window, ErrInsufficientSeries)
	}

	raw := talib.Correl(aligned["x"], aligned["y"], window)

	points := make([]RollingPoint, 0, len(dates)-window+1)
	for i := window - 1; i < len(raw); i++ {
		points = append(points, RollingPoint{Date: dates[i], Value: raw[i]})
	}
	return points, nil
}

// MultiWindowVolatility 一次计算多个窗口的滚动波动率，窗口过长的项跳过。
func (a *Analyzer) MultiWindowVolatility(returns []backtest.ReturnPoint, windows []int) (map[int][]RollingPoint, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("statistics: 至少需要一个窗口")
	}

	out := make(map[int][]RollingPoint, len(windows))
	for _, window := range windows {
		points, err := a.RollingVolatility(returns, window)
		if err != nil {
			if errors.Is(err, ErrInsufficientSeries) {
				continue
			}
			return nil, err
		}
		out[window] = points
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("statistics: 所有窗口均超过序列长度: %w", ErrInsufficientSeries)
	}
	return out, nil
}

func validateWindow(returns []backtest.ReturnPoint, window int) ([]float64, []time.Time, error) {
	if window < MinWindow {
		return nil, nil, fmt.Errorf("statistics: 窗口 %d 小于下限 %d: %w", window, MinWindow, ErrWindowTooSmall)
	}
	if len(returns) < window {
		return nil, nil, fmt.Errorf("statistics: 序列长度 %d 小于窗口 %d: %w",
			len(returns), window, ErrInsufficientSeries)
	}

	sorted := make([]backtest.ReturnPoint, len(returns))
	copy(sorted, returns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	values := make([]float64, len(sorted))
	dates := make([]time.Time, len(sorted))
	for i, point := range sorted {
		values[i] = point.Return
		dates[i] = point.Date
	}
	return values, dates, nil
}

// alignSeries 将多条收益率序列按日期做内连接，返回排序后的标的名、对齐值与共同日期。
func alignSeries(returnsByTicker map[string][]backtest.ReturnPoint) ([]string, map[string][]float64, []time.Time) {
	if len(returnsByTicker) == 0 {
		return nil, nil, nil
	}

	tickers := make([]string, 0, len(returnsByTicker))
	for ticker := range returnsByTicker {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	lookups := make(map[string]map[int64]float64, len(tickers))
	for _, ticker := range tickers {
		lookup := make(map[int64]float64, len(returnsByTicker[ticker]))
		for _, point := range returnsByTicker[ticker] {
			lookup[point.Date.Unix()] = point.Return
		}
		lookups[ticker] = lookup
	}

	var dates []time.Time
	for _, point := range returnsByTicker[tickers[0]] {
		key := point.Date.Unix()
		present := true
		for _, ticker := range tickers[1:] {
			if _, ok := lookups[ticker][key]; !ok {
				present = false
				break
			}
		}
		if present {
			dates = append(dates, point.Date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	aligned := make(map[string][]float64, len(tickers))
	for _, ticker := range tickers {
		values := make([]float64, len(dates))
		for i, date := range dates {
			values[i] = lookups[ticker][date.Unix()]
		}
		aligned[ticker] = values
	}

	return tickers, aligned, dates
}

// annualizeReturn 将日均收益按复利折算为年化收益。
func annualizeReturn(dailyMean float64, tradingDays int) float64 {
	return math.Pow(1+dailyMean, float64(tradingDays)) - 1
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
