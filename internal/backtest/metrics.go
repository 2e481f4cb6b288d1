package backtest

import (
	"math"
	"sort"
)

const daysPerYear = 365.25

// calculateMetrics 从一条完整净值曲线推导绩效指标。
// 波动率取日收益率的样本标准差（ddof=1）年化；不足两个日收益时波动率记为0（而非NaN），
// 此时夏普比率同样为0。区间时长不为正时 CAGR 记为0，避免单点曲线的除零。
func calculateMetrics(curve []EquityPoint, riskFreeRate float64, tradingDays int) PerformanceMetrics {
	if len(curve) == 0 {
		return PerformanceMetrics{RiskFreeRate: riskFreeRate}
	}

	sorted := make([]EquityPoint, len(curve))
	copy(sorted, curve)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	first := sorted[0]
	last := sorted[len(sorted)-1]

	totalReturn := last.Value/first.Value - 1

	years := last.Date.Sub(first.Date).Hours() / 24 / daysPerYear
	cagr := 0.0
	if years > 0 {
		cagr = math.Pow(last.Value/first.Value, 1/years) - 1
	}

	dailyReturns := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Value == 0 {
			continue
		}
		dailyReturns = append(dailyReturns, sorted[i].Value/sorted[i-1].Value-1)
	}

	volatility := 0.0
	if len(dailyReturns) >= 2 {
		volatility = sampleStdDev(dailyReturns) * math.Sqrt(float64(tradingDays))
	}

	sharpe := 0.0
	if volatility > 0 {
		sharpe = (cagr - riskFreeRate) / volatility
	}

	maxDrawdown := 0.0
	peak := math.Inf(-1)
	for _, point := range sorted {
		if point.Value > peak {
			peak = point.Value
		}
		if peak <= 0 {
			continue
		}
		dd := (point.Value - peak) / peak
		if dd < maxDrawdown {
			maxDrawdown = dd
		}
	}

	return PerformanceMetrics{
		TotalReturn:  totalReturn,
		CAGR:         cagr,
		Volatility:   volatility,
		SharpeRatio:  sharpe,
		MaxDrawdown:  maxDrawdown,
		StartDate:    first.Date,
		EndDate:      last.Date,
		RiskFreeRate: riskFreeRate,
	}
}

func sampleStdDev(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance)
}
