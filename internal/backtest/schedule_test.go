package backtest

import (
	"errors"
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func assertSegment(t *testing.T, seg segment, start, end time.Time, margin float64, override bool) {
	t.Helper()
	if !seg.start.Equal(start) || !seg.end.Equal(end) {
		t.Errorf("expected segment %s..%s, got %s..%s",
			formatDate(start), formatDate(end), formatDate(seg.start), formatDate(seg.end))
	}
	if seg.margin != margin {
		t.Errorf("segment %s..%s: expected margin %v, got %v",
			formatDate(start), formatDate(end), margin, seg.margin)
	}
	if seg.override != override {
		t.Errorf("segment %s..%s: expected override=%v", formatDate(start), formatDate(end), override)
	}
}

func TestBuildSegments_NoOverridesYieldsSingleSegment(t *testing.T) {
	weights := map[string]float64{"AAA": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), weights, 1.0, nil)
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	assertSegment(t, segments[0], day(2020, 1, 1), day(2020, 12, 31), 1.0, false)
}

func TestBuildSegments_GapFilling(t *testing.T) {
	global := map[string]float64{"AAA": 1}
	override := map[string]float64{"BBB": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2020, 3, 1), End: day(2020, 5, 31), Weights: override, Margin: floatPtr(2.0)},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments (filler, override, filler), got %d", len(segments))
	}

	assertSegment(t, segments[0], day(2020, 1, 1), day(2020, 2, 29), 1.0, false)
	assertSegment(t, segments[1], day(2020, 3, 1), day(2020, 5, 31), 2.0, true)
	assertSegment(t, segments[2], day(2020, 6, 1), day(2020, 12, 31), 1.0, false)

	if segments[1].weights["BBB"] != 1 {
		t.Errorf("override segment should carry the override weights")
	}
	if segments[0].weights["AAA"] != 1 || segments[2].weights["AAA"] != 1 {
		t.Errorf("filler segments should carry the global weights")
	}
}

func TestBuildSegments_FullCoverageYieldsNoFillers(t *testing.T) {
	global := map[string]float64{"AAA": 1}
	w1 := map[string]float64{"BBB": 1}
	w2 := map[string]float64{"CCC": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.5, []SubPeriod{
		{Start: day(2020, 1, 1), End: day(2020, 6, 30), Weights: w1},
		{Start: day(2020, 7, 1), End: day(2020, 12, 31), Weights: w2},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected exactly the 2 override segments, got %d", len(segments))
	}

	// 未指定杠杆的子区间继承全局杠杆。
	assertSegment(t, segments[0], day(2020, 1, 1), day(2020, 6, 30), 1.5, true)
	assertSegment(t, segments[1], day(2020, 7, 1), day(2020, 12, 31), 1.5, true)
}

func TestBuildSegments_SortsSubPeriods(t *testing.T) {
	global := map[string]float64{"AAA": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2020, 9, 1), End: day(2020, 9, 30), Weights: global},
		{Start: day(2020, 2, 1), End: day(2020, 2, 29), Weights: global},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(segments))
	}
	for i := 1; i < len(segments); i++ {
		if !segments[i-1].end.Before(segments[i].start) {
			t.Errorf("segments %d and %d are not strictly ordered", i-1, i)
		}
	}
}

func TestBuildSegments_RejectsOverlap(t *testing.T) {
	global := map[string]float64{"AAA": 1}

	_, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2020, 3, 1), End: day(2020, 6, 30), Weights: global},
		{Start: day(2020, 6, 30), End: day(2020, 9, 30), Weights: global},
	})
	if !errors.Is(err, ErrOverlappingPeriods) {
		t.Fatalf("expected ErrOverlappingPeriods, got %v", err)
	}
}

func TestBuildSegments_RejectsInvalidRanges(t *testing.T) {
	global := map[string]float64{"AAA": 1}

	if _, err := buildSegments(day(2020, 12, 31), day(2020, 1, 1), global, 1.0, nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for reversed global range, got %v", err)
	}

	_, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2020, 6, 30), End: day(2020, 6, 30), Weights: global},
	})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for zero-length sub-period, got %v", err)
	}
}

func TestBuildSegments_ClampsOverridesToGlobalRange(t *testing.T) {
	global := map[string]float64{"AAA": 1}
	override := map[string]float64{"BBB": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2019, 11, 1), End: day(2020, 2, 29), Weights: override},
		{Start: day(2020, 10, 1), End: day(2021, 3, 31), Weights: override},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments (clamped override, filler, clamped override), got %d", len(segments))
	}

	// 越界的子区间裁剪到全局边界，拼出的分段恰好覆盖全局区间。
	assertSegment(t, segments[0], day(2020, 1, 1), day(2020, 2, 29), 1.0, true)
	assertSegment(t, segments[1], day(2020, 3, 1), day(2020, 9, 30), 1.0, false)
	assertSegment(t, segments[2], day(2020, 10, 1), day(2020, 12, 31), 1.0, true)
}

func TestBuildSegments_DropsOverridesOutsideGlobalRange(t *testing.T) {
	global := map[string]float64{"AAA": 1}
	override := map[string]float64{"BBB": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 12, 31), global, 1.0, []SubPeriod{
		{Start: day(2019, 1, 1), End: day(2019, 6, 30), Weights: override},
		{Start: day(2021, 1, 1), End: day(2021, 6, 30), Weights: override},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected a single global segment, got %d", len(segments))
	}
	assertSegment(t, segments[0], day(2020, 1, 1), day(2020, 12, 31), 1.0, false)
}

func TestBuildSegments_AdjacentOverridesLeaveNoOneDayFiller(t *testing.T) {
	global := map[string]float64{"AAA": 1}

	segments, err := buildSegments(day(2020, 1, 1), day(2020, 3, 31), global, 1.0, []SubPeriod{
		{Start: day(2020, 1, 1), End: day(2020, 1, 31), Weights: global},
		{Start: day(2020, 2, 1), End: day(2020, 3, 31), Weights: global},
	})
	if err != nil {
		t.Fatalf("buildSegments returned error: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments with no collapsed fillers, got %d", len(segments))
	}
}
