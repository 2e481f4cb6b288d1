package server

import (
	"net/http"

	"portfolio-viewer/internal/portfolio"
)

func (s *Server) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	defs, err := s.portfolios.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"portfolios": defs})
}

func (s *Server) handleSavePortfolio(w http.ResponseWriter, r *http.Request) {
	var def portfolio.Definition
	if err := decodeBody(r, &def); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	if err := s.portfolios.Save(r.Context(), def); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"name": def.Name, "status": "saved"})
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	def, err := s.portfolios.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.portfolios.Delete(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

type equalWeightRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handleEqualWeight(w http.ResponseWriter, r *http.Request) {
	var req equalWeightRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}
	if len(req.Tickers) == 0 {
		s.badRequest(w, "tickers 不能为空")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"weights": portfolio.EqualWeight(req.Tickers),
	})
}

type validateWeightsRequest struct {
	Weights map[string]float64 `json:"weights"`
}

func (s *Server) handleValidateWeights(w http.ResponseWriter, r *http.Request) {
	var req validateWeightsRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, "请求体解析失败: "+err.Error())
		return
	}

	if err := s.portfolios.ValidateWeights(req.Weights); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"normalized": portfolio.NormalizeWeights(req.Weights),
	})
}
