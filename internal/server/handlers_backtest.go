package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"portfolio-viewer/internal/analyst"
	"portfolio-viewer/internal/backtest"
)

type backtestRequest struct {
	Weights   map[string]float64 `json:"weights"`
	Margin    float64            `json:"margin"`
	StartDate string             `json:"start_date"`
	EndDate   string             `json:"end_date"`
}

// normalize 解析日期并补默认值，任何字段问题都以错误消息返回给调用方。
func (req *backtestRequest) normalize() (start, end time.Time, tickers []string, err *string) {
	fail := func(msg string) (time.Time, time.Time, []string, *string) {
		return time.Time{}, time.Time{}, nil, &msg
	}

	if len(req.Weights) == 0 {
		return fail("weights 不能为空")
	}
	start, parseErr := parseDateField(req.StartDate)
	if parseErr != nil {
		return fail("start_date 必须为 YYYY-MM-DD 格式")
	}
	end, parseErr = parseDateField(req.EndDate)
	if parseErr != nil {
		return fail("end_date 必须为 YYYY-MM-DD 格式")
	}
	if req.Margin == 0 {
		req.Margin = 1.0
	}
	if req.Margin < 1.0 {
		return fail("margin 不能小于1")
	}

	tickers = make([]string, 0, len(req.Weights))
	for ticker := range req.Weights {
		tickers = append(tickers, ticker)
	}
	return start, end, tickers, nil
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	start, end, tickers, errMsg := req.normalize()
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}

	result, err := s.engine.Run(r.Context(), tickers, req.Weights, start, end, req.Margin)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       uuid.NewString(),
		"equity_curve": renderCurve(result.EquityCurve),
		"metrics":      renderMetrics(result.Metrics),
	})
}

type subPeriodJSON struct {
	StartDate string             `json:"start_date"`
	EndDate   string             `json:"end_date"`
	Weights   map[string]float64 `json:"weights"`
	Margin    *float64           `json:"margin,omitempty"`
}

type subPeriodRequest struct {
	backtestRequest
	SubPeriods []subPeriodJSON `json:"sub_periods"`
}

func (s *Server) handleBacktestSubPeriod(w http.ResponseWriter, r *http.Request) {
	var req subPeriodRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	start, end, _, errMsg := req.normalize()
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}

	subPeriods := make([]backtest.SubPeriod, 0, len(req.SubPeriods))
	for _, sp := range req.SubPeriods {
		spStart, err := parseDateField(sp.StartDate)
		if err != nil {
			s.badRequest(w, "sub_periods.start_date 必须为 YYYY-MM-DD 格式")
			return
		}
		spEnd, err := parseDateField(sp.EndDate)
		if err != nil {
			s.badRequest(w, "sub_periods.end_date 必须为 YYYY-MM-DD 格式")
			return
		}
		if len(sp.Weights) == 0 {
			s.badRequest(w, "sub_periods.weights 不能为空")
			return
		}
		subPeriods = append(subPeriods, backtest.SubPeriod{
			Start:   spStart,
			End:     spEnd,
			Weights: sp.Weights,
			Margin:  sp.Margin,
		})
	}

	result, err := s.engine.RunSegmented(r.Context(), req.Weights, req.Margin, start, end, subPeriods)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":           uuid.NewString(),
		"equity_curve":     renderCurve(result.EquityCurve),
		"metrics":          renderMetrics(result.Metrics),
		"period_breakdown": renderBreakdown(result.PeriodBreakdown),
		"weight_timeline":  renderTimeline(result.WeightTimeline),
	})
}

type analyzePeriodRequest struct {
	backtestRequest
	AnalysisStart string `json:"analysis_start"`
	AnalysisEnd   string `json:"analysis_end"`
}

func (s *Server) handleAnalyzePeriod(w http.ResponseWriter, r *http.Request) {
	var req analyzePeriodRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	start, end, tickers, errMsg := req.normalize()
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}
	analysisStart, err := parseDateField(req.AnalysisStart)
	if err != nil {
		s.badRequest(w, "analysis_start 必须为 YYYY-MM-DD 格式")
		return
	}
	analysisEnd, err := parseDateField(req.AnalysisEnd)
	if err != nil {
		s.badRequest(w, "analysis_end 必须为 YYYY-MM-DD 格式")
		return
	}

	result, err := s.engine.Run(r.Context(), tickers, req.Weights, start, end, req.Margin)
	if err != nil {
		s.writeError(w, err)
		return
	}

	periodMetrics, err := s.engine.AnalyzePeriod(r.Context(), result.EquityCurve, analysisStart, analysisEnd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": uuid.NewString(),
		"full_backtest": map[string]any{
			"equity_curve": renderCurve(result.EquityCurve),
			"metrics":      renderMetrics(result.Metrics),
		},
		"period_analysis": renderMetrics(periodMetrics),
	})
}

func (s *Server) handleCommentary(w http.ResponseWriter, r *http.Request) {
	if s.analyst == nil {
		s.writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "未配置 OpenAI API key，点评功能不可用"})
		return
	}

	var req backtestRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	start, end, tickers, errMsg := req.normalize()
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}

	result, err := s.engine.Run(r.Context(), tickers, req.Weights, start, end, req.Margin)
	if err != nil {
		s.writeError(w, err)
		return
	}

	commentary, err := s.analyst.Review(r.Context(), analyst.Request{
		Weights: req.Weights,
		Margin:  req.Margin,
		Metrics: result.Metrics,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     uuid.NewString(),
		"metrics":    renderMetrics(result.Metrics),
		"commentary": commentary,
	})
}
