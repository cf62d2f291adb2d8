package aggregate

import (
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	// Wednesday 2024-02-14 13:45 UTC
	at := time.Date(2024, 2, 14, 13, 45, 0, 0, time.UTC)

	cases := []struct {
		unit TimeUnit
		want time.Time
	}{
		{UnitDay, time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)},
		{UnitWeek, time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)}, // Monday
		{UnitMonth, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{UnitQuarter, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{UnitYear, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := BucketStart(at, tc.unit)
		if err != nil {
			t.Fatalf("BucketStart(%s): %v", tc.unit, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("BucketStart(%s) = %v, want %v", tc.unit, got, tc.want)
		}
	}
}

func TestBucketStartWeekOnMonday(t *testing.T) {
	// A Monday truncates to itself
	monday := time.Date(2024, 2, 12, 9, 0, 0, 0, time.UTC)
	got, err := BucketStart(monday, UnitWeek)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBucketRangeHalfOpen(t *testing.T) {
	at := time.Date(2024, 11, 30, 23, 59, 59, 0, time.UTC)
	start, end, err := BucketRange(at, UnitQuarter)
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", start)
	}
	if !end.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected end %v", end)
	}
	if !at.Before(end) || at.Before(start) {
		t.Error("instant must fall within its own bucket")
	}
}

func TestBucketStartUnknownUnit(t *testing.T) {
	if _, err := BucketStart(time.Now(), TimeUnit("fortnight")); err == nil {
		t.Error("expected error for unknown unit")
	}
}
