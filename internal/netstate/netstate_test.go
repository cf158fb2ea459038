package netstate

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
)

func TestMonitor_RestoredFiresOnTransition(t *testing.T) {
	var up atomic.Bool
	var restored atomic.Int32
	m := New(Config{
		Probe:      up.Load,
		OnRestored: func() { restored.Add(1) },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if m.Reachable() {
		t.Fatalf("reachable before the link is up")
	}
	m.Check()
	if restored.Load() != 0 {
		t.Fatalf("restored fired while still down")
	}

	up.Store(true)
	if !m.Check() || !m.Reachable() {
		t.Fatalf("link up not reported")
	}
	m.Check()
	if got := restored.Load(); got != 1 {
		t.Fatalf("restored=%d, want 1", got)
	}

	up.Store(false)
	m.Check()
	up.Store(true)
	m.Check()
	if got := restored.Load(); got != 2 {
		t.Fatalf("restored=%d after second outage, want 2", got)
	}
}
