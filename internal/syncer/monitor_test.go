package syncer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dali-labs/dali-sync/internal/offline"
)

func newTestMonitor(t *testing.T, state *offline.State, triggers *atomic.Int64, debounce time.Duration) *Monitor {
	t.Helper()

	monitor, err := NewMonitor(MonitorConfig{
		State:    state,
		Trigger:  func() { triggers.Add(1) },
		Debounce: debounce,
	})
	if err != nil {
		t.Fatalf("failed to build monitor: %v", err)
	}
	return monitor
}

func waitForTriggers(t *testing.T, triggers *atomic.Int64, expected int64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for triggers.Load() < expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d triggers, got %d", expected, triggers.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewMonitorValidatesDependencies(t *testing.T) {
	if _, err := NewMonitor(MonitorConfig{Trigger: func() {}}); err == nil {
		t.Fatalf("expected missing state to be rejected")
	}
	if _, err := NewMonitor(MonitorConfig{State: offline.NewState()}); err == nil {
		t.Fatalf("expected missing trigger to be rejected")
	}
}

func TestRecoveryEdgeTriggersAfterDebounce(t *testing.T) {
	state := offline.NewState()
	var triggers atomic.Int64
	monitor := newTestMonitor(t, state, &triggers, 10*time.Millisecond)

	monitor.HandleChange(false)
	monitor.HandleChange(true)

	waitForTriggers(t, &triggers, 1)
}

func TestGoingOfflineDisarmsPendingTrigger(t *testing.T) {
	state := offline.NewState()
	var triggers atomic.Int64
	monitor := newTestMonitor(t, state, &triggers, 30*time.Millisecond)

	monitor.HandleChange(false)
	monitor.HandleChange(true)
	// The link flaps back down inside the stability window.
	monitor.HandleChange(false)

	time.Sleep(80 * time.Millisecond)
	if triggers.Load() != 0 {
		t.Fatalf("a connectivity blip must not trigger a sync, got %d", triggers.Load())
	}
}

func TestStayingOnlineDoesNotRetrigger(t *testing.T) {
	state := offline.NewState()
	var triggers atomic.Int64
	monitor := newTestMonitor(t, state, &triggers, 10*time.Millisecond)

	monitor.HandleChange(false)
	monitor.HandleChange(true)
	waitForTriggers(t, &triggers, 1)

	monitor.HandleChange(true)
	monitor.HandleChange(true)

	time.Sleep(50 * time.Millisecond)
	if triggers.Load() != 1 {
		t.Fatalf("repeated online observations must not retrigger, got %d", triggers.Load())
	}
}

func TestHandleChangeUpdatesSharedState(t *testing.T) {
	state := offline.NewState()
	var triggers atomic.Int64
	monitor := newTestMonitor(t, state, &triggers, time.Hour)

	monitor.HandleChange(false)
	if state.IsOnline() {
		t.Fatalf("expected shared state to go offline")
	}
	monitor.HandleChange(true)
	if !state.IsOnline() {
		t.Fatalf("expected shared state to come back online")
	}
}
