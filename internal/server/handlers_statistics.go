package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portfolio-viewer/internal/backtest"
	"portfolio-viewer/internal/statistics"
)

// fetchReturns 为统计接口并发拉取收益率序列，任一标的失败都让整个请求失败，
// 统计结果对缺失标的没有合理的降级语义。
func (s *Server) fetchReturns(r *http.Request, tickers []string, start, end time.Time) (map[string][]backtest.ReturnPoint, error) {
	var mu sync.Mutex
	returnsByTicker := make(map[string][]backtest.ReturnPoint, len(tickers))

	group, ctx := errgroup.WithContext(r.Context())
	for _, ticker := range tickers {
		group.Go(func() error {
			prices, err := s.market.GetPriceSeries(ctx, ticker, start, end)
			if err != nil {
				return err
			}
			returns, err := backtest.CalculateReturns(prices)
			if err != nil {
				return err
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

type statsSummaryRequest struct {
	Tickers   []string `json:"tickers"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	var req statsSummaryRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}
	if len(req.Tickers) == 0 {
		s.badRequest(w, "tickers 不能为空")
		return
	}
	start, err := parseDateField(req.StartDate)
	if err != nil {
		s.badRequest(w, "start_date 必须为 YYYY-MM-DD 格式")
		return
	}
	end, err := parseDateField(req.EndDate)
	if err != nil {
		s.badRequest(w, "end_date 必须为 YYYY-MM-DD 格式")
		return
	}

	returnsByTicker, err := s.fetchReturns(r, req.Tickers, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.stats.Summarize(returnsByTicker)
	if err != nil {
		s.writeError(w, err)
		return
	}

	assets := make([]statistics.AssetSummary, len(result.Assets))
	for i, asset := range result.Assets {
		assets[i] = statistics.AssetSummary{
			Ticker:         asset.Ticker,
			ExpectedReturn: round4(asset.ExpectedReturn),
			Volatility:     round4(asset.Volatility),
			Observations:   asset.Observations,
		}
	}
	correlations := make(map[string]map[string]float64, len(result.Correlations))
	for x, row := range result.Correlations {
		correlations[x] = make(map[string]float64, len(row))
		for y, v := range row {
			correlations[x][y] = round4(v)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"assets":       assets,
		"correlations": correlations,
		"start_date":   result.StartDate.Format("2006-01-02"),
		"end_date":     result.EndDate.Format("2006-01-02"),
	})
}

type statsRollingRequest struct {
	Ticker    string `json:"ticker"`
	TickerB   string `json:"ticker_b,omitempty"`
	Metric    string `json:"metric"`
	Window    int    `json:"window"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleStatsRolling(w http.ResponseWriter, r *http.Request) {
	var req statsRollingRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}
	if req.Ticker == "" {
		s.badRequest(w, "ticker 不能为空")
		return
	}
	start, err := parseDateField(req.StartDate)
	if err != nil {
		s.badRequest(w, "start_date 必须为 YYYY-MM-DD 格式")
		return
	}
	end, err := parseDateField(req.EndDate)
	if err != nil {
		s.badRequest(w, "end_date 必须为 YYYY-MM-DD 格式")
		return
	}

	tickers := []string{req.Ticker}
	if req.Metric == "correlation" {
		if req.TickerB == "" {
			s.badRequest(w, "correlation 指标需要 ticker_b")
			return
		}
		tickers = append(tickers, req.TickerB)
	}

	returnsByTicker, err := s.fetchReturns(r, tickers, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var points []statistics.RollingPoint
	switch req.Metric {
	case "volatility", "":
		points, err = s.stats.RollingVolatility(returnsByTicker[req.Ticker], req.Window)
	case "mean":
		points, err = s.stats.RollingMean(returnsByTicker[req.Ticker], req.Window)
	case "correlation":
		points, err = s.stats.RollingCorrelation(
			returnsByTicker[req.Ticker], returnsByTicker[req.TickerB], req.Window)
	default:
		s.badRequest(w, "metric 必须为 volatility、mean 或 correlation")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker": req.Ticker,
		"metric": req.Metric,
		"window": req.Window,
		"points": renderRolling(points),
	})
}

type statsMultiWindowRequest struct {
	Ticker    string `json:"ticker"`
	Windows   []int  `json:"windows"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleStatsMultiWindow(w http.ResponseWriter, r *http.Request) {
	var req statsMultiWindowRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}
	if req.Ticker == "" {
		s.badRequest(w, "ticker 不能为空")
		return
	}
	if len(req.Windows) == 0 {
		s.badRequest(w, "windows 不能为空")
		return
	}
	start, err := parseDateField(req.StartDate)
	if err != nil {
		s.badRequest(w, "start_date 必须为 YYYY-MM-DD 格式")
		return
	}
	end, err := parseDateField(req.EndDate)
	if err != nil {
		s.badRequest(w, "end_date 必须为 YYYY-MM-DD 格式")
		return
	}

	returnsByTicker, err := s.fetchReturns(r, []string{req.Ticker}, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	byWindow, err := s.stats.MultiWindowVolatility(returnsByTicker[req.Ticker], req.Windows)
	if err != nil {
		s.writeError(w, err)
		return
	}

	windows := make([]int, 0, len(byWindow))
	for window := range byWindow {
		windows = append(windows, window)
	}
	sort.Ints(windows)

	series := make(map[int][]rollingPointJSON, len(byWindow))
	for window, points := range byWindow {
		series[window] = renderRolling(points)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker":  req.Ticker,
		"windows": windows,
		"series":  series,
	})
}
