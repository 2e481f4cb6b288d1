package analyst

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"portfolio-viewer/internal/backtest"
)

const commentaryTemplate = `
你是一位专业的资产配置分析师。请基于以下回测结果，为投资者撰写一段简明的中文点评。

回测区间：{{ .StartDate }} 至 {{ .EndDate }}
组合权重：
{{ .WeightsJSON }}
杠杆倍数：{{ printf "%.2f" .Margin }}

绩效指标：
- 总收益率: {{ printf "%.2f" .TotalReturnPct }}%
- 年化收益率 (CAGR): {{ printf "%.2f" .CAGRPct }}%
- 年化波动率: {{ printf "%.2f" .VolatilityPct }}%
- 夏普比率: {{ printf "%.2f" .Sharpe }}
- 最大回撤: {{ printf "%.2f" .MaxDrawdownPct }}%
- 无风险利率: {{ printf "%.2f" .RiskFreeRatePct }}%

撰写要求：
1. 先用一两句话概括组合在该区间的整体表现；
2. 点评风险收益特征：波动率与最大回撤是否与收益相称；
3. 若使用了杠杆，说明杠杆对结果的放大作用与借贷成本影响；
4. 指出配置上值得注意的集中度或相关性风险；
5. 不要给出买卖建议，控制在300字以内，直接输出正文。
`

var tmpl = template.Must(template.New("commentary").Parse(commentaryTemplate))

type promptContext struct {
	StartDate       string
	EndDate         string
	WeightsJSON     string
	Margin          float64
	TotalReturnPct  float64
	CAGRPct         float64
	VolatilityPct   float64
	Sharpe          float64
	MaxDrawdownPct  float64
	RiskFreeRatePct float64
}

// BuildPrompt 将回测结果渲染成点评提示词。
func BuildPrompt(req Request) (string, error) {
	weightsJSON, err := json.MarshalIndent(req.Weights, "", "  ")
	if err != nil {
		return "", fmt.Errorf("analyst: 序列化权重失败: %w", err)
	}

	metrics := req.Metrics
	ctx := promptContext{
		StartDate:       metrics.StartDate.Format("2006-01-02"),
		EndDate:         metrics.EndDate.Format("2006-01-02"),
		WeightsJSON:     string(weightsJSON),
		Margin:          req.Margin,
		TotalReturnPct:  metrics.TotalReturn * 100,
		CAGRPct:         metrics.CAGR * 100,
		VolatilityPct:   metrics.Volatility * 100,
		Sharpe:          metrics.SharpeRatio,
		MaxDrawdownPct:  metrics.MaxDrawdown * 100,
		RiskFreeRatePct: metrics.RiskFreeRate * 100,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("analyst: 渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}

// Request 描述一次点评请求。
type Request struct {
	Weights map[string]float64          `json:"weights"`
	Margin  float64                     `json:"margin"`
	Metrics backtest.PerformanceMetrics `json:"metrics"`
}
