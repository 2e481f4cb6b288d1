package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portfolio-viewer/internal/backtest"
	"portfolio-viewer/internal/config"
	"portfolio-viewer/internal/market"
	"portfolio-viewer/internal/portfolio"
	"portfolio-viewer/internal/statistics"
	"portfolio-viewer/internal/store"
)

type stubPriceFetcher struct {
	series map[string][]market.PricePoint
}

func (f *stubPriceFetcher) FetchDaily(ctx context.Context, ticker string, start, end time.Time) ([]market.PricePoint, error) {
	var out []market.PricePoint
	for _, p := range f.series[ticker] {
		if p.Date.Before(start) || p.Date.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type stubMacroFetcher struct {
	series map[string][]market.RatePoint
}

func (f *stubMacroFetcher) FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]market.RatePoint, error) {
	var out []market.RatePoint
	for _, p := range f.series[seriesID] {
		if p.Date.Before(start) || p.Date.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func day(yy, mm, dd int) time.Time {
	return time.Date(yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
}

func dailyPrices(start time.Time, prices ...float64) []market.PricePoint {
	points := make([]market.PricePoint, len(prices))
	for i, p := range prices {
		points[i] = market.PricePoint{Date: start.AddDate(0, 0, i), Close: p, AdjClose: p}
	}
	return points
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	marketCfg := config.MarketConfig{
		FREDSeries:   "DFF",
		DefaultStart: "2019-01-01",
		CacheExpiry:  24 * time.Hour,
	}

	prices := &stubPriceFetcher{series: map[string][]market.PricePoint{
		"AAA": dailyPrices(day(2020, 1, 1), 100, 110, 121, 133.1, 146.41, 161.051),
		"BBB": dailyPrices(day(2020, 1, 1), 50, 49.5, 50.5, 51, 50, 52),
	}}
	macro := &stubMacroFetcher{series: map[string][]market.RatePoint{
		"DFF": {{Date: day(2020, 1, 1), Value: 5.0}, {Date: day(2020, 1, 3), Value: 5.0}},
	}}

	marketSvc, err := market.NewService(st, marketCfg, prices, nil, macro, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	engine, err := backtest.NewEngine(backtest.Config{RateSeries: "DFF"}, marketSvc, marketSvc, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}

	portfolios, err := portfolio.NewManager(st, 0.01, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	srv, err := New(
		config.ServerConfig{Host: "127.0.0.1", Port: 8000, ShutdownTimeout: time.Second},
		marketCfg,
		engine,
		marketSvc,
		portfolios,
		statistics.NewAnalyzer(252),
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	srv.Routes().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthAndRoot(t *testing.T) {
	srv := newTestServer(t)

	if rec := doJSON(t, srv, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /health: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(t, srv, http.MethodGet, "/", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /: expected 200, got %d", rec.Code)
	}
}

func TestBacktestEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/backtest", map[string]any{
		"weights":    map[string]float64{"AAA": 1.0},
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := decodeResponse(t, rec)
	if payload["run_id"] == "" {
		t.Error("expected non-empty run_id")
	}

	curve, ok := payload["equity_curve"].([]any)
	if !ok || len(curve) != 6 {
		t.Fatalf("expected 6 curve points, got %v", payload["equity_curve"])
	}

	metrics := payload["metrics"].(map[string]any)
	if got := metrics["total_return"].(float64); got != 0.6105 {
		t.Errorf("expected 4-decimal rounded total return 0.6105, got %v", got)
	}
	// 利率缓存里 2020-01-01..03 平均为 5%。
	if got := metrics["risk_free_rate"].(float64); got != 0.05 {
		t.Errorf("expected risk-free rate 0.05 from cached observations, got %v", got)
	}
}

func TestBacktestEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"empty weights", map[string]any{
			"weights": map[string]float64{}, "start_date": "2020-01-01", "end_date": "2020-01-06",
		}, http.StatusBadRequest},
		{"bad date", map[string]any{
			"weights": map[string]float64{"AAA": 1}, "start_date": "01/01/2020", "end_date": "2020-01-06",
		}, http.StatusBadRequest},
		{"reversed range", map[string]any{
			"weights": map[string]float64{"AAA": 1}, "start_date": "2020-01-06", "end_date": "2020-01-01",
		}, http.StatusBadRequest},
		{"margin below one", map[string]any{
			"weights": map[string]float64{"AAA": 1}, "margin": 0.5,
			"start_date": "2020-01-01", "end_date": "2020-01-06",
		}, http.StatusBadRequest},
		{"unknown ticker", map[string]any{
			"weights": map[string]float64{"ZZZ": 1}, "start_date": "2020-01-01", "end_date": "2020-01-06",
		}, http.StatusNotFound},
	}

	for _, tc := range cases {
		rec := doJSON(t, srv, http.MethodPost, "/backtest", tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestSubPeriodEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/backtest/subperiod", map[string]any{
		"weights":    map[string]float64{"AAA": 1.0},
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
		"sub_periods": []map[string]any{
			{
				"start_date": "2020-01-03",
				"end_date":   "2020-01-04",
				"weights":    map[string]float64{"BBB": 1.0},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := decodeResponse(t, rec)
	breakdown, ok := payload["period_breakdown"].([]any)
	if !ok || len(breakdown) != 3 {
		t.Fatalf("expected 3 period results, got %v", payload["period_breakdown"])
	}
	middle := breakdown[1].(map[string]any)
	if middle["is_override"] != true {
		t.Errorf("expected the middle segment to be an override, got %v", middle)
	}
}

func TestSubPeriodEndpoint_RejectsOverlap(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/backtest/subperiod", map[string]any{
		"weights":    map[string]float64{"AAA": 1.0},
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
		"sub_periods": []map[string]any{
			{"start_date": "2020-01-02", "end_date": "2020-01-04", "weights": map[string]float64{"AAA": 1.0}},
			{"start_date": "2020-01-04", "end_date": "2020-01-06", "weights": map[string]float64{"AAA": 1.0}},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for overlapping sub-periods, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzePeriodEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/backtest/analyze-period", map[string]any{
		"weights":        map[string]float64{"AAA": 1.0},
		"start_date":     "2020-01-01",
		"end_date":       "2020-01-06",
		"analysis_start": "2020-01-03",
		"analysis_end":   "2020-01-05",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := decodeResponse(t, rec)
	if _, ok := payload["full_backtest"]; !ok {
		t.Error("expected full_backtest in response")
	}
	analysis, ok := payload["period_analysis"].(map[string]any)
	if !ok {
		t.Fatalf("expected period_analysis, got %v", payload)
	}
	// 每日+10%，两个完整交易日：0.21。
	if got := analysis["total_return"].(float64); got != 0.21 {
		t.Errorf("expected sub-period total return 0.21, got %v", got)
	}
}

func TestCommentaryEndpoint_UnavailableWithoutKey(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/backtest/commentary", map[string]any{
		"weights":    map[string]float64{"AAA": 1.0},
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without OpenAI key, got %d", rec.Code)
	}
}

func TestPortfolioEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/portfolios", map[string]any{
		"name":    "balanced",
		"weights": map[string]float64{"AAA": 0.5, "BBB": 0.5},
		"margin":  1.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/portfolios/balanced", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["name"] != "balanced" {
		t.Errorf("unexpected portfolio payload: %v", payload)
	}

	rec = doJSON(t, srv, http.MethodGet, "/portfolios", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/portfolios/balanced", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/portfolios/balanced", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}

	// 权重和偏离超过容差的组合应被拒绝。
	rec = doJSON(t, srv, http.MethodPost, "/portfolios", map[string]any{
		"name":    "broken",
		"weights": map[string]float64{"AAA": 0.9, "BBB": 0.5},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid weights, got %d", rec.Code)
	}
}

func TestValidateWeightsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/portfolios/validate-weights", map[string]any{
		"weights": map[string]float64{"AAA": 0.6, "BBB": 0.4},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["valid"] != true {
		t.Errorf("expected valid=true, got %v", payload)
	}

	rec = doJSON(t, srv, http.MethodPost, "/portfolios/validate-weights", map[string]any{
		"weights": map[string]float64{"AAA": 0.6, "BBB": 0.6},
	})
	if payload := decodeResponse(t, rec); payload["valid"] != false {
		t.Errorf("expected valid=false, got %v", payload)
	}
}

func TestEqualWeightEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/portfolios/equal-weight", map[string]any{
		"tickers": []string{"AAA", "BBB", "CCC", "DDD"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	payload := decodeResponse(t, rec)
	weights := payload["weights"].(map[string]any)
	if len(weights) != 4 || weights["AAA"].(float64) != 0.25 {
		t.Errorf("expected 4 equal weights of 0.25, got %v", weights)
	}
}

func TestDataEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/data/range/AAA", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any load, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/data/load", map[string]any{
		"ticker":     "AAA",
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on load, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeResponse(t, rec); payload["count"].(float64) != 6 {
		t.Errorf("expected 6 loaded rows, got %v", payload["count"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/data/range/AAA", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after load, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/data/prices/AAA?start=2020-01-02&end=2020-01-04", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["count"].(float64) != 3 {
		t.Errorf("expected 3 price rows, got %v", payload["count"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/data/tickers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/data/fed-rate?start=2020-01-01&end=2020-01-05", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["available"] != true || payload["rate"].(float64) != 0.05 {
		t.Errorf("expected available rate 0.05, got %v", payload)
	}
}

func TestStatisticsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/statistics/summary", map[string]any{
		"tickers":    []string{"AAA", "BBB"},
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := decodeResponse(t, rec)
	correlations := payload["correlations"].(map[string]any)
	aaa := correlations["AAA"].(map[string]any)
	if aaa["AAA"].(float64) != 1 {
		t.Errorf("expected unit diagonal, got %v", aaa)
	}

	rec = doJSON(t, srv, http.MethodPost, "/statistics/rolling", map[string]any{
		"ticker":     "AAA",
		"metric":     "volatility",
		"window":     5,
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// 窗口小于下限应返回400。
	rec = doJSON(t, srv, http.MethodPost, "/statistics/rolling", map[string]any{
		"ticker":     "AAA",
		"metric":     "volatility",
		"window":     2,
		"start_date": "2020-01-01",
		"end_date":   "2020-01-06",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for tiny window, got %d", rec.Code)
	}
}
