package backtest

import (
	"fmt"
	"sort"
	"time"
)

// segment 是调度器产出的最小回测单元：一段权重与杠杆保持不变的日期区间（两端闭区间）。
type segment struct {
	start    time.Time
	end      time.Time
	weights  map[string]float64
	margin   float64
	override bool
}

// buildSegments 将全局区间按覆盖子区间切分为有序、无缝隙、无重叠的分段列表。
// 子区间之间的空档用全局权重/杠杆补齐；子区间未指定杠杆时继承全局杠杆。
// 重叠的子区间会被拒绝；越出全局边界的子区间被裁剪到边界内；
// 切分过程中塌缩（start > end）的补齐段被静默丢弃。
func buildSegments(
	globalStart, globalEnd time.Time,
	globalWeights map[string]float64,
	globalMargin float64,
	subPeriods []SubPeriod,
) ([]segment, error) {
	if !globalStart.Before(globalEnd) {
		return nil, fmt.Errorf("backtest: 全局区间 %s..%s 非法: %w",
			formatDate(globalStart), formatDate(globalEnd), ErrInvalidRange)
	}

	sorted := make([]SubPeriod, len(subPeriods))
	copy(sorted, subPeriods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	for i, sp := range sorted {
		if !sp.Start.Before(sp.End) {
			return nil, fmt.Errorf("backtest: 子区间 %s..%s 非法: %w",
				formatDate(sp.Start), formatDate(sp.End), ErrInvalidRange)
		}
		if i > 0 && !sorted[i-1].End.Before(sp.Start) {
			return nil, fmt.Errorf("backtest: 子区间 %s..%s 与 %s..%s 重叠: %w",
				formatDate(sorted[i-1].Start), formatDate(sorted[i-1].End),
				formatDate(sp.Start), formatDate(sp.End), ErrOverlappingPeriods)
		}
	}

	// 子区间超出全局边界的部分按 [globalStart, globalEnd] 裁剪，
	// 完全落在全局区间之外的子区间直接丢弃，保证产出恰好覆盖全局区间。
	clamped := make([]SubPeriod, 0, len(sorted))
	for _, sp := range sorted {
		if sp.End.Before(globalStart) || sp.Start.After(globalEnd) {
			continue
		}
		if sp.Start.Before(globalStart) {
			sp.Start = globalStart
		}
		if sp.End.After(globalEnd) {
			sp.End = globalEnd
		}
		clamped = append(clamped, sp)
	}
	sorted = clamped

	segments := make([]segment, 0, 2*len(sorted)+1)
	appendSegment := func(s segment) {
		if s.start.After(s.end) {
			return
		}
		segments = append(segments, s)
	}

	current := globalStart
	for _, sp := range sorted {
		if sp.Start.After(current) {
			appendSegment(segment{
				start:   current,
				end:     sp.Start.AddDate(0, 0, -1),
				weights: globalWeights,
				margin:  globalMargin,
			})
		}

		margin := globalMargin
		if sp.Margin != nil {
			margin = *sp.Margin
		}
		appendSegment(segment{
			start:    sp.Start,
			end:      sp.End,
			weights:  sp.Weights,
			margin:   margin,
			override: true,
		})

		next := sp.End.AddDate(0, 0, 1)
		if next.After(current) {
			current = next
		}
	}

	if !current.After(globalEnd) {
		appendSegment(segment{
			start:   current,
			end:     globalEnd,
			weights: globalWeights,
			margin:  globalMargin,
		})
	}

	return segments, nil
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}
