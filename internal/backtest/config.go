package backtest

// Config 定义回测引擎参数。
type Config struct {
	RiskFreeFallback float64 // 利率数据不可用时的兜底年化无风险利率
	MarginFee        float64 // 借贷利率在无风险利率之上的年化加点
	TradingDays      int     // 年化换算使用的交易日数量
	RateSeries       string  // 无风险利率对应的宏观序列ID
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.RiskFreeFallback <= 0 {
		cfg.RiskFreeFallback = 0.02
	}
	if cfg.MarginFee <= 0 {
		cfg.MarginFee = 0.01
	}
	if cfg.TradingDays <= 0 {
		cfg.TradingDays = 252
	}
	if cfg.RateSeries == "" {
		cfg.RateSeries = "DFF"
	}
	return cfg
}
