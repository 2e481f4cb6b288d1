package server

import (
	"net/http"
	"time"
)

func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	infos, err := s.market.ListTickers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tickers": infos})
}

func (s *Server) handleDataRange(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")

	dataRange, err := s.market.DataRange(r.Context(), ticker)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker": ticker,
		"range":  dataRange,
	})
}

// queryDates 解析 start/end 查询参数，缺省为默认起始日期到当天。
func (s *Server) queryDates(r *http.Request) (time.Time, time.Time, *string) {
	fail := func(msg string) (time.Time, time.Time, *string) {
		return time.Time{}, time.Time{}, &msg
	}

	start := s.marketCfg.DefaultStartDate()
	end := time.Now().UTC().Truncate(24 * time.Hour)

	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := parseDateField(raw)
		if err != nil {
			return fail("start 必须为 YYYY-MM-DD 格式")
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := parseDateField(raw)
		if err != nil {
			return fail("end 必须为 YYYY-MM-DD 格式")
		}
		end = parsed
	}
	return start, end, nil
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")

	start, end, errMsg := s.queryDates(r)
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}

	points, err := s.market.GetPriceSeries(r.Context(), ticker, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker": ticker,
		"count":  len(points),
		"prices": points,
	})
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")

	fresh, err := s.market.CheckFreshness(r.Context(), ticker)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker":    ticker,
		"freshness": fresh,
	})
}

func (s *Server) handleFedRate(w http.ResponseWriter, r *http.Request) {
	start, end, errMsg := s.queryDates(r)
	if errMsg != nil {
		s.badRequest(w, *errMsg)
		return
	}

	rate, ok, err := s.market.GetAverageRate(r.Context(), s.marketCfg.FREDSeries, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"series":    s.marketCfg.FREDSeries,
		"start":     start.Format("2006-01-02"),
		"end":       end.Format("2006-01-02"),
		"available": ok,
		"rate":      round4(rate),
	})
}

type dataLoadRequest struct {
	Ticker    string `json:"ticker"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (s *Server) handleDataLoad(w http.ResponseWriter, r *http.Request) {
	var req dataLoadRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}
	if req.Ticker == "" {
		s.badRequest(w, "ticker 不能为空")
		return
	}

	start := s.marketCfg.DefaultStartDate()
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if req.StartDate != "" {
		parsed, err := parseDateField(req.StartDate)
		if err != nil {
			s.badRequest(w, "start_date 必须为 YYYY-MM-DD 格式")
			return
		}
		start = parsed
	}
	if req.EndDate != "" {
		parsed, err := parseDateField(req.EndDate)
		if err != nil {
			s.badRequest(w, "end_date 必须为 YYYY-MM-DD 格式")
			return
		}
		end = parsed
	}

	points, err := s.market.GetPriceSeries(r.Context(), req.Ticker, start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticker": req.Ticker,
		"count":  len(points),
	})
}

type dataUpdateRequest struct {
	Ticker   string `json:"ticker,omitempty"`
	SeriesID string `json:"series_id,omitempty"`
}

func (s *Server) handleDataUpdate(w http.ResponseWriter, r *http.Request) {
	var req dataUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	switch {
	case req.Ticker != "":
		result, err := s.market.UpdateAsset(r.Context(), req.Ticker)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"ticker": req.Ticker, "result": result})
	case req.SeriesID != "":
		result, err := s.market.UpdateMacro(r.Context(), req.SeriesID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"series_id": req.SeriesID, "result": result})
	default:
		s.badRequest(w, "必须指定 ticker 或 series_id")
	}
}
