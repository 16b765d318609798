package common

import (
	"testing"
	"time"
)

func TestNextClockAligned(t *testing.T) {
	now := time.Date(2024, 3, 14, 10, 17, 42, 0, time.UTC)

	next := NextClockAligned(now, 900*time.Second)
	want := time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextClockAligned = %v, want %v", next, want)
	}
}

func TestNextClockAlignedOnBoundary(t *testing.T) {
	now := time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC)

	next := NextClockAligned(now, 900*time.Second)
	want := time.Date(2024, 3, 14, 10, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextClockAligned on a boundary = %v, want %v", next, want)
	}
}

func TestNextClockAlignedCrossesMidnight(t *testing.T) {
	now := time.Date(2024, 3, 14, 23, 59, 30, 0, time.UTC)

	next := NextClockAligned(now, 900*time.Second)
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextClockAligned across midnight = %v, want %v", next, want)
	}
}

func TestNextClockAlignedZeroInterval(t *testing.T) {
	if next := NextClockAligned(time.Now(), 0); !next.IsZero() {
		t.Errorf("expected zero time for interval 0, got %v", next)
	}
}
