package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/backtest"
	"portfolio-viewer/internal/market"
	"portfolio-viewer/internal/portfolio"
	"portfolio-viewer/internal/statistics"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

// writeError 把领域错误映射为 HTTP 状态码：参数类错误400，数据缺失404，其余500。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, backtest.ErrInvalidRange),
		errors.Is(err, backtest.ErrMissingWeight),
		errors.Is(err, backtest.ErrOverlappingPeriods),
		errors.Is(err, portfolio.ErrInvalidWeights),
		errors.Is(err, statistics.ErrWindowTooSmall):
		status = http.StatusBadRequest
	case errors.Is(err, backtest.ErrNoData),
		errors.Is(err, backtest.ErrInsufficientData),
		errors.Is(err, portfolio.ErrNotFound),
		errors.Is(err, market.ErrNoCachedData),
		errors.Is(err, market.ErrUpstreamEmpty),
		errors.Is(err, statistics.ErrInsufficientSeries):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("请求处理失败", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func parseDateField(value string) (time.Time, error) {
	return time.Parse("2006-01-02", value)
}

// round4 在输出边界把浮点数统一到4位小数，避免响应里出现长尾噪声。
func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10000) / 10000
}

type equityPointJSON struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type metricsJSON struct {
	TotalReturn  float64 `json:"total_return"`
	CAGR         float64 `json:"cagr"`
	Volatility   float64 `json:"volatility"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	RiskFreeRate float64 `json:"risk_free_rate"`
}

func renderCurve(curve []backtest.EquityPoint) []equityPointJSON {
	out := make([]equityPointJSON, len(curve))
	for i, point := range curve {
		out[i] = equityPointJSON{
			Date:  point.Date.Format("2006-01-02"),
			Value: round4(point.Value),
		}
	}
	return out
}

func renderMetrics(m backtest.PerformanceMetrics) metricsJSON {
	return metricsJSON{
		TotalReturn:  round4(m.TotalReturn),
		CAGR:         round4(m.CAGR),
		Volatility:   round4(m.Volatility),
		SharpeRatio:  round4(m.SharpeRatio),
		MaxDrawdown:  round4(m.MaxDrawdown),
		StartDate:    m.StartDate.Format("2006-01-02"),
		EndDate:      m.EndDate.Format("2006-01-02"),
		RiskFreeRate: round4(m.RiskFreeRate),
	}
}

type periodResultJSON struct {
	StartDate  string             `json:"start_date"`
	EndDate    string             `json:"end_date"`
	Weights    map[string]float64 `json:"weights"`
	Margin     float64            `json:"margin"`
	Return     float64            `json:"return"`
	IsOverride bool               `json:"is_override"`
}

func renderBreakdown(breakdown []backtest.PeriodResult) []periodResultJSON {
	out := make([]periodResultJSON, len(breakdown))
	for i, p := range breakdown {
		out[i] = periodResultJSON{
			StartDate:  p.Start.Format("2006-01-02"),
			EndDate:    p.End.Format("2006-01-02"),
			Weights:    p.Weights,
			Margin:     p.Margin,
			Return:     round4(p.Return),
			IsOverride: p.IsOverride,
		}
	}
	return out
}

type timelinePointJSON struct {
	Date    string             `json:"date"`
	Weights map[string]float64 `json:"weights"`
}

func renderTimeline(timeline []backtest.WeightTimelinePoint) []timelinePointJSON {
	out := make([]timelinePointJSON, len(timeline))
	for i, p := range timeline {
		out[i] = timelinePointJSON{
			Date:    p.Date.Format("2006-01-02"),
			Weights: p.Weights,
		}
	}
	return out
}

type rollingPointJSON struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

func renderRolling(points []statistics.RollingPoint) []rollingPointJSON {
	out := make([]rollingPointJSON, len(points))
	for i, p := range points {
		out[i] = rollingPointJSON{
			Date:  p.Date.Format("2006-01-02"),
			Value: round4(p.Value),
		}
	}
	return out
}
