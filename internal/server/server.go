package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"portfolio-viewer/internal/analyst"
	"portfolio-viewer/internal/backtest"
	"portfolio-viewer/internal/config"
	"portfolio-viewer/internal/market"
	"portfolio-viewer/internal/portfolio"
	"portfolio-viewer/internal/statistics"
)

// Server 暴露回测、数据与组合管理的 HTTP 接口。
type Server struct {
	cfg        config.ServerConfig
	marketCfg  config.MarketConfig
	engine     *backtest.Engine
	market     *market.Service
	portfolios *portfolio.Manager
	stats      *statistics.Analyzer
	analyst    *analyst.Client // 为 nil 时点评接口返回503
	logger     *zap.Logger
}

// New 构建 HTTP 服务。analystClient 允许为 nil。
func New(
	cfg config.ServerConfig,
	marketCfg config.MarketConfig,
	engine *backtest.Engine,
	marketSvc *market.Service,
	portfolios *portfolio.Manager,
	stats *statistics.Analyzer,
	analystClient *analyst.Client,
	logger *zap.Logger,
) (*Server, error) {
	if engine == nil || marketSvc == nil || portfolios == nil || stats == nil {
		return nil, fmt.Errorf("server: 核心依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		cfg:        cfg,
		marketCfg:  marketCfg,
		engine:     engine,
		market:     marketSvc,
		portfolios: portfolios,
		stats:      stats,
		analyst:    analystClient,
		logger:     logger,
	}, nil
}

// Routes 注册全部路由。
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("POST /backtest", s.handleBacktest)
	mux.HandleFunc("POST /backtest/subperiod", s.handleBacktestSubPeriod)
	mux.HandleFunc("POST /backtest/analyze-period", s.handleAnalyzePeriod)
	mux.HandleFunc("POST /backtest/commentary", s.handleCommentary)

	mux.HandleFunc("GET /data/tickers", s.handleListTickers)
	mux.HandleFunc("GET /data/range/{ticker}", s.handleDataRange)
	mux.HandleFunc("GET /data/prices/{ticker}", s.handlePrices)
	mux.HandleFunc("GET /data/freshness/{ticker}", s.handleFreshness)
	mux.HandleFunc("GET /data/fed-rate", s.handleFedRate)
	mux.HandleFunc("POST /data/load", s.handleDataLoad)
	mux.HandleFunc("POST /data/update", s.handleDataUpdate)

	mux.HandleFunc("GET /portfolios", s.handleListPortfolios)
	mux.HandleFunc("POST /portfolios", s.handleSavePortfolio)
	mux.HandleFunc("GET /portfolios/{name}", s.handleGetPortfolio)
	mux.HandleFunc("DELETE /portfolios/{name}", s.handleDeletePortfolio)
	mux.HandleFunc("POST /portfolios/equal-weight", s.handleEqualWeight)
	mux.HandleFunc("POST /portfolios/validate-weights", s.handleValidateWeights)

	mux.HandleFunc("POST /statistics/summary", s.handleStatsSummary)
	mux.HandleFunc("POST /statistics/rolling", s.handleStatsRolling)
	mux.HandleFunc("POST /statistics/multi-window-rolling", s.handleStatsMultiWindow)

	return mux
}

// Start 启动 HTTP 服务并阻塞到 ctx 取消，随后优雅关闭。
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("HTTP 服务已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: HTTP 服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: 关闭 HTTP 服务失败: %w", err)
	}

	s.logger.Info("HTTP 服务已停止")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": "portfolio-viewer",
		"docs":    "/health, /backtest, /data, /portfolios, /statistics",
	})
}
