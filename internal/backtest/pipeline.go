package backtest

import (
	"fmt"
	"math"
	"sort"

	"portfolio-viewer/internal/market"
)

// CalculateReturns 将价格序列转换为日简单收益率序列。
// 非有限或缺失（记为0）的价格行会先被剔除；清洗后不足两个价格点时返回 ErrInsufficientData。
func CalculateReturns(prices []market.PricePoint) ([]ReturnPoint, error) {
	clean := make([]market.PricePoint, 0, len(prices))
	for _, p := range prices {
		if math.IsNaN(p.AdjClose) || math.IsInf(p.AdjClose, 0) || p.AdjClose <= 0 {
			continue
		}
		clean = append(clean, p)
	}

	sort.Slice(clean, func(i, j int) bool { return clean[i].Date.Before(clean[j].Date) })

	if len(clean) < 2 {
		return nil, fmt.Errorf("backtest: 清洗后价格点不足2个: %w", ErrInsufficientData)
	}

	returns := make([]ReturnPoint, 0, len(clean)-1)
	for i := 1; i < len(clean); i++ {
		returns = append(returns, ReturnPoint{
			Date:   clean[i].Date,
			Return: clean[i].AdjClose/clean[i-1].AdjClose - 1,
		})
	}
	return returns, nil
}

// ApplyWeights 将多个标的的收益率按权重合成为组合收益率序列。
// 各序列按日期做严格内连接：任何标的缺失的日期会被整体丢弃，保证每个组合数据点
// 都反映全部持仓在同一天的信息。权重和不为1时按比例重新归一。
func ApplyWeights(returnsByTicker map[string][]ReturnPoint, weights map[string]float64) []ReturnPoint {
	if len(returnsByTicker) == 0 {
		return nil
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}

	normalized := make(map[string]float64, len(weights))
	if sum == 0 {
		equal := 1.0 / float64(len(weights))
		for ticker := range weights {
			normalized[ticker] = equal
		}
	} else {
		for ticker, w := range weights {
			normalized[ticker] = w / sum
		}
	}

	tickers := make([]string, 0, len(returnsByTicker))
	for ticker := range returnsByTicker {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	// 以首个序列为基准，逐个做内连接。
	lookups := make([]map[int64]float64, len(tickers))
	for i, ticker := range tickers {
		lookup := make(map[int64]float64, len(returnsByTicker[ticker]))
		for _, point := range returnsByTicker[ticker] {
			lookup[point.Date.Unix()] = point.Return
		}
		lookups[i] = lookup
	}

	spine := returnsByTicker[tickers[0]]
	combined := make([]ReturnPoint, 0, len(spine))
	for _, point := range spine {
		key := point.Date.Unix()
		present := true
		for _, lookup := range lookups[1:] {
			if _, ok := lookup[key]; !ok {
				present = false
				break
			}
		}
		if !present {
			continue
		}

		weighted := 0.0
		for i, ticker := range tickers {
			w, ok := normalized[ticker]
			if !ok {
				continue
			}
			weighted += lookups[i][key] * w
		}
		combined = append(combined, ReturnPoint{Date: point.Date, Return: weighted})
	}

	sort.Slice(combined, func(i, j int) bool { return combined[i].Date.Before(combined[j].Date) })
	return combined
}

// leverageReturns 按杠杆倍数放大收益并扣除每日固定的借贷成本。
// 利息与当日组合涨跌无关，是常数化的每日拖累。
func leverageReturns(returns []ReturnPoint, margin, dailyInterestCost float64) []ReturnPoint {
	adjusted := make([]ReturnPoint, len(returns))
	for i, point := range returns {
		adjusted[i] = ReturnPoint{
			Date:   point.Date,
			Return: margin*point.Return - dailyInterestCost,
		}
	}
	return adjusted
}

// BuildEquityCurve 将收益率序列累乘为净值曲线。
// 曲线包含初始净值基准点（日期取首个收益日的前一天），因此 N 个收益率对应 N+1 个曲线点，
// 保证总收益率 last/first-1 覆盖首日收益。允许收益率 <= -1：净值可以归零或为负，
// 后续复利从该状态继续。
func BuildEquityCurve(returns []ReturnPoint, initialValue float64) []EquityPoint {
	if len(returns) == 0 {
		return nil
	}

	sorted := make([]ReturnPoint, len(returns))
	copy(sorted, returns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	curve := make([]EquityPoint, 0, len(sorted)+1)
	curve = append(curve, EquityPoint{Date: sorted[0].Date.AddDate(0, 0, -1), Value: initialValue})

	value := initialValue
	for _, point := range sorted {
		value *= 1 + point.Return
		curve = append(curve, EquityPoint{Date: point.Date, Value: value})
	}
	return curve
}
