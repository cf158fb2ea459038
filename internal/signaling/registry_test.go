package signaling

import (
	"testing"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
)

func TestRegistry_ReplacementStopsPredecessorBeforeRegister(t *testing.T) {
	log := &opLog{}
	clk := clock.Fake(time.Unix(0, 0))
	reg := NewRegistry()

	first := reg.Open(Config{Kind: KindCallLifecycle, RoutingID: "group-1", Transport: newFakeTransport("a", log), Clock: clk})
	first.Wait()
	second := reg.Open(Config{Kind: KindCallLifecycle, RoutingID: "group-2", Transport: newFakeTransport("b", log), Clock: clk})
	second.Wait()
	t.Cleanup(reg.CloseAll)

	stopA := log.index("stop:a")
	registerB := log.index("register:b:group-2")
	if stopA < 0 || registerB < 0 || stopA > registerB {
		t.Fatalf("ops=%v, want stop:a before register:b:group-2", log.snapshot())
	}
	if n := log.count("register:b:group-2"); n != 1 {
		t.Fatalf("registers for group-2=%d, want 1", n)
	}
	if reg.Active(KindCallLifecycle) != second {
		t.Fatalf("active channel is not the replacement")
	}
}

func TestRegistry_KindsAreIndependent(t *testing.T) {
	log := &opLog{}
	clk := clock.Fake(time.Unix(0, 0))
	reg := NewRegistry()

	access := reg.Open(Config{Kind: KindAccessControl, RoutingID: "1042", Transport: newFakeTransport("access", log), Clock: clk})
	call := reg.Open(Config{Kind: KindCallLifecycle, RoutingID: "group-1", Transport: newFakeTransport("call", log), Clock: clk})
	access.Wait()
	call.Wait()

	reg.Close(call)
	if log.index("stop:access") >= 0 {
		t.Fatalf("closing call channel stopped access channel: %v", log.snapshot())
	}
	if reg.Active(KindCallLifecycle) != nil {
		t.Fatalf("call channel still active after Close")
	}
	if reg.Active(KindAccessControl) != access {
		t.Fatalf("access channel lost")
	}

	// Closing a stale handle leaves the active one alone.
	replacement := reg.Open(Config{Kind: KindAccessControl, RoutingID: "1042", Transport: newFakeTransport("access2", log), Clock: clk})
	replacement.Wait()
	reg.Close(access)
	if reg.Active(KindAccessControl) != replacement {
		t.Fatalf("stale Close removed the active channel")
	}
	reg.CloseAll()
	if log.index("stop:access2") < 0 {
		t.Fatalf("CloseAll did not stop access2: %v", log.snapshot())
	}
}

func TestRegistry_ReplacementNotActiveUntilPredecessorStopped(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	reg := NewRegistry()
	t.Cleanup(reg.CloseAll)

	firstTransport := newFakeTransport("a", nil)
	first := reg.Open(Config{Kind: KindCallLifecycle, RoutingID: "group-1", Transport: firstTransport, Clock: clk})
	first.Wait()

	var activeDuringStop *Channel
	firstTransport.onStop = func() { activeDuringStop = reg.Active(KindCallLifecycle) }

	second := reg.Open(Config{Kind: KindCallLifecycle, RoutingID: "group-2", Transport: newFakeTransport("b", nil), Clock: clk})
	second.Wait()

	if activeDuringStop != first {
		t.Fatalf("active channel while predecessor stopped=%p, want predecessor %p (replacement %p)", activeDuringStop, first, second)
	}
	if reg.Active(KindCallLifecycle) != second {
		t.Fatalf("replacement not active after Open")
	}
}
