package backtest

import "time"

// ReturnPoint 表示某一交易日的简单收益率。
type ReturnPoint struct {
	Date   time.Time
	Return float64
}

// EquityPoint 表示净值曲线上的一个点。
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// SubPeriod 描述一个带有独立权重的覆盖子区间，Margin 为空时继承全局杠杆。
type SubPeriod struct {
	Start   time.Time
	End     time.Time
	Weights map[string]float64
	Margin  *float64
}

// PerformanceMetrics 汇总一条净值曲线的绩效指标。
type PerformanceMetrics struct {
	TotalReturn  float64   `json:"total_return"`
	CAGR         float64   `json:"cagr"`
	Volatility   float64   `json:"volatility"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	RiskFreeRate float64   `json:"risk_free_rate"`
}

// PeriodResult 记录拼接回测中单个分段的概要。
type PeriodResult struct {
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Weights    map[string]float64 `json:"weights"`
	Margin     float64            `json:"margin"`
	Return     float64            `json:"return"`
	IsOverride bool               `json:"is_override"`
}

// WeightTimelinePoint 标记某一日期起生效的权重，用于前端展示权重变化。
type WeightTimelinePoint struct {
	Date    time.Time          `json:"date"`
	Weights map[string]float64 `json:"weights"`
}

// Result 汇总一次回测的输出。
type Result struct {
	EquityCurve     []EquityPoint
	Metrics         PerformanceMetrics
	PeriodBreakdown []PeriodResult
	WeightTimeline  []WeightTimelinePoint
}
