package app

import (
	"context"

	"go.uber.org/zap"

	"portfolio-viewer/internal/analyst"
	"portfolio-viewer/internal/backtest"
	"portfolio-viewer/internal/config"
	"portfolio-viewer/internal/market"
	"portfolio-viewer/internal/portfolio"
	"portfolio-viewer/internal/server"
	"portfolio-viewer/internal/statistics"
	"portfolio-viewer/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配数据服务、回测引擎与 HTTP 接口，阻塞运行到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("组合回测服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("fred_series", a.cfg.Market.FREDSeries),
		zap.Int("port", a.cfg.Server.Port),
	)

	yahooClient := market.NewYahooClient(a.cfg.Market, a.logger)
	fredClient := market.NewFREDClient(a.cfg.Market, a.logger)
	cryptoClient := market.NewCryptoClient(a.cfg.Market, a.logger)

	marketSvc, err := market.NewService(a.store, a.cfg.Market, yahooClient, cryptoClient, fredClient, a.logger)
	if err != nil {
		return err
	}

	engine, err := backtest.NewEngine(backtest.Config{
		RiskFreeFallback: a.cfg.Backtest.RiskFreeFallback,
		MarginFee:        a.cfg.Backtest.MarginFee,
		TradingDays:      a.cfg.Backtest.TradingDays,
		RateSeries:       a.cfg.Market.FREDSeries,
	}, marketSvc, marketSvc, a.logger)
	if err != nil {
		return err
	}

	portfolios, err := portfolio.NewManager(a.store, a.cfg.Backtest.WeightTolerance, a.logger)
	if err != nil {
		return err
	}

	stats := statistics.NewAnalyzer(a.cfg.Backtest.TradingDays)

	var analystClient *analyst.Client
	if a.cfg.OpenAI.APIKey != "" {
		analystClient, err = analyst.NewClient(a.cfg.OpenAI, a.logger)
		if err != nil {
			return err
		}
	} else {
		a.logger.Info("未配置 OpenAI API key，点评功能已禁用")
	}

	httpServer, err := server.New(
		a.cfg.Server,
		a.cfg.Market,
		engine,
		marketSvc,
		portfolios,
		stats,
		analystClient,
		a.logger,
	)
	if err != nil {
		return err
	}

	return httpServer.Start(ctx)
}
