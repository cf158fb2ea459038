package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, o := range l.snapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

func (l *opLog) count(op string) int {
	n := 0
	for _, o := range l.snapshot() {
		if o == op {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	name string
	log  *opLog

	mu          sync.Mutex
	state       ConnectionState
	handlers    map[string][]Handler
	connectErrs []error
	registerErr error
	stopPanics  bool
	onStop      func()
	invoked     []string
}

func newFakeTransport(name string, log *opLog) *fakeTransport {
	if log == nil {
		log = &opLog{}
	}
	return &fakeTransport{name: name, log: log, handlers: make(map[string][]Handler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.log.add("connect:%s", f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.state = StateConnected
	return nil
}

func (f *fakeTransport) Register(ctx context.Context, routingID string) error {
	f.log.add("register:%s:%s", f.name, routingID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerErr
}

func (f *fakeTransport) On(event string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) Invoke(ctx context.Context, event string, args any) error {
	b, _ := json.Marshal(args)
	f.mu.Lock()
	f.invoked = append(f.invoked, event+" "+string(b))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Stop() error {
	f.log.add("stop:%s", f.name)
	f.mu.Lock()
	f.state = StateDisconnected
	panics, hook := f.stopPanics, f.onStop
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if panics {
		panic("stop exploded")
	}
	return nil
}

func (f *fakeTransport) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// drop simulates the hub going away.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.state = StateDisconnected
	f.mu.Unlock()
	f.fire(EventDisconnected, json.RawMessage(`{"error":"connection reset"}`))
}

func (f *fakeTransport) fire(event string, args json.RawMessage) {
	f.mu.Lock()
	hs := append([]Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(args)
	}
}

func (f *fakeTransport) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

type staticReachability bool

func (r staticReachability) Reachable() bool { return bool(r) }
