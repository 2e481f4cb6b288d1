package backtest

import "errors"

var (
	// ErrInsufficientData 表示某个标的清洗后的价格点不足以计算收益率。
	ErrInsufficientData = errors.New("insufficient price data")

	// ErrNoData 表示所有标的都没有可用数据，回测无法进行。
	ErrNoData = errors.New("no usable data")

	// ErrInvalidRange 表示全局区间或子区间的起止日期非法。
	ErrInvalidRange = errors.New("invalid date range")

	// ErrMissingWeight 表示请求的标的缺少对应权重。
	ErrMissingWeight = errors.New("missing weight")

	// ErrOverlappingPeriods 表示子区间之间存在重叠，调度器拒绝处理。
	ErrOverlappingPeriods = errors.New("overlapping sub-periods")
)
