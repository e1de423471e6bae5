package cron

import (
	"testing"
	"time"
)

func TestSystemClockIsUTC(t *testing.T) {
	now := SystemClock().Now()
	if now.Location() != time.UTC {
		t.Errorf("SystemClock().Now() location = %v, want UTC", now.Location())
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	moved := clock.Advance(90 * time.Second)
	if want := start.Add(90 * time.Second); !moved.Equal(want) {
		t.Errorf("Advance() = %v, want %v", moved, want)
	}
	if got := clock.Now(); !got.Equal(moved) {
		t.Errorf("Now() after Advance = %v, want %v", got, moved)
	}

	later := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}
