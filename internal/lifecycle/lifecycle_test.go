package lifecycle

import (
	"testing"
	"time"
)

func TestIsShuttingDown_DefaultFalse(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true, want false by default")
	}
}

func TestSetShuttingDown_True(t *testing.T) {
	SetShuttingDown(true)
	defer SetShuttingDown(false)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
}

func TestMarkCycleComplete(t *testing.T) {
	defer MarkCycleComplete(time.Time{})

	at := time.Date(2024, 9, 12, 10, 0, 0, 0, time.UTC)
	MarkCycleComplete(at)
	if got := LastCycle(); !got.Equal(at) {
		t.Errorf("LastCycle() = %v, want %v", got, at)
	}
}
