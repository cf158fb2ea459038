package actuator

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
)

type writeRecord struct {
	at  time.Duration
	cmd string
}

// fakePort models a board's serial line. input holds bytes received and not
// yet read; response is the answer queued behind the next "relay read".
type fakePort struct {
	clk   *clock.FakeClock
	start time.Time

	mu       sync.Mutex
	writes   []writeRecord
	input    []byte
	response []byte
	// echo makes every command come back followed by a prompt, as real
	// boards do.
	echo    bool
	flushes int
	readErr error
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := string(b)
	p.writes = append(p.writes, writeRecord{at: p.clk.Now().Sub(p.start), cmd: cmd})
	isRead := strings.HasPrefix(cmd, "relay read ")
	if p.echo {
		p.input = append(p.input, strings.TrimSuffix(cmd, commandTerminator)+"\n\r"...)
		if !isRead {
			p.input = append(p.input, responsePrompt)
		}
	}
	if isRead {
		p.input = append(p.input, p.response...)
		p.response = nil
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if len(p.input) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(b, p.input)
	p.input = p.input[n:]
	return n, nil
}

func (p *fakePort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	p.input = nil
	return nil
}

func (p *fakePort) SetReadDeadline(time.Time) error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) recorded() []writeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]writeRecord(nil), p.writes...)
}

type fakeHardware struct {
	mu         sync.Mutex
	devices    []Device
	permission bool
	requests   int
	onGrant    func()
	port       *fakePort
}

func (h *fakeHardware) Enumerate() ([]Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Device(nil), h.devices...), nil
}

func (h *fakeHardware) HasPermission(Device) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permission
}

func (h *fakeHardware) RequestPermission(_ Device, onGrant func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	h.onGrant = onGrant
}

func (h *fakeHardware) OpenPort(Device, LineConfig) (Port, error) {
	return h.port, nil
}

func (h *fakeHardware) grant() {
	h.mu.Lock()
	h.permission = true
	fn := h.onGrant
	h.mu.Unlock()
	fn()
}

func newTestActuator(t *testing.T, permission bool) (*Actuator, *fakeHardware, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	port := &fakePort{clk: clk, start: clk.Now()}
	hw := &fakeHardware{
		devices: []Device{
			{ID: "relay-1", Path: "/dev/ttyACM0", VendorID: NumatoVendorID, ProductID: 0x0c05},
			{ID: "other", Path: "/dev/ttyUSB0", VendorID: 0x0403, ProductID: 0x6001},
		},
		permission: permission,
		port:       port,
	}
	a := New(hw, Config{Clock: clk, Metrics: metrics.New()})
	t.Cleanup(func() { _ = a.Close() })
	return a, hw, clk
}

func mustInitialize(t *testing.T, a *Actuator) {
	t.Helper()
	if _, err := a.DiscoverDevices(); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if err := a.Initialize("relay-1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for relay command")
		return nil
	}
}

func TestDiscoverDevices_FiltersByVendor(t *testing.T) {
	a, _, _ := newTestActuator(t, true)

	devs, err := a.DiscoverDevices()
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	if len(devs) != 1 || devs[0].ID != "relay-1" {
		t.Fatalf("devices=%+v, want only relay-1", devs)
	}
	if devs[0].Initialized {
		t.Fatalf("device reported initialized before Initialize")
	}
}

func TestOpen_PulseTiming(t *testing.T) {
	a, hw, clk := newTestActuator(t, true)
	mustInitialize(t, a)

	done := make(chan error, 1)
	go func() {
		done <- a.Open(context.Background(), Request{
			RelayID:      "relay-1",
			Port:         3,
			OpenDelay:    200 * time.Millisecond,
			HoldDuration: 500 * time.Millisecond,
		})
	}()

	clk.WaitForTimers(1)
	clk.Advance(200 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(500 * time.Millisecond)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Open: %v", err)
	}

	got := hw.port.recorded()
	want := []writeRecord{
		{at: 200 * time.Millisecond, cmd: "relay on 3\r"},
		{at: 700 * time.Millisecond, cmd: "relay off 3\r"},
	}
	if len(got) != len(want) {
		t.Fatalf("writes=%+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write[%d]=%+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOpen_ConcurrentRequestsDoNotInterleave(t *testing.T) {
	a, hw, clk := newTestActuator(t, true)
	mustInitialize(t, a)

	done := make(chan error, 2)
	for _, port := range []int{1, 12} {
		port := port
		go func() {
			done <- a.Open(context.Background(), Request{RelayID: "relay-1", Port: port, HoldDuration: 100 * time.Millisecond})
		}()
	}

	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(100 * time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		if err := waitErr(t, done); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	got := hw.port.recorded()
	if len(got) != 4 {
		t.Fatalf("writes=%+v, want 4", got)
	}
	for i := 0; i < 4; i += 2 {
		on, off := got[i].cmd, got[i+1].cmd
		if on[:len("relay on ")] != "relay on " || off[:len("relay off ")] != "relay off " {
			t.Fatalf("writes=%+v, want on/off pairs", got)
		}
		if on[len("relay on "):] != off[len("relay off "):] {
			t.Fatalf("interleaved pulses: %q then %q", on, off)
		}
	}
}

func TestOpen_NotInitialized(t *testing.T) {
	a, hw, _ := newTestActuator(t, true)
	if _, err := a.DiscoverDevices(); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}

	err := a.Open(context.Background(), Request{RelayID: "relay-1", Port: 1})
	if !errors.Is(err, ErrDeviceNotInitialized) {
		t.Fatalf("err=%v, want ErrDeviceNotInitialized", err)
	}
	if len(hw.port.recorded()) != 0 {
		t.Fatalf("unexpected writes to uninitialized device")
	}
}

func TestOpen_InvalidPort(t *testing.T) {
	a, _, _ := newTestActuator(t, true)
	mustInitialize(t, a)

	if err := a.Open(context.Background(), Request{RelayID: "relay-1", Port: 40}); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("err=%v, want ErrInvalidPort", err)
	}
}

func TestInitialize_PermissionPendingThenGranted(t *testing.T) {
	a, hw, _ := newTestActuator(t, false)
	granted := make(chan string, 1)
	a.cfg.OnPermissionGranted = func(id string) { granted <- id }

	if _, err := a.DiscoverDevices(); err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := a.Initialize("relay-1"); !errors.Is(err, ErrPermissionPending) {
			t.Fatalf("Initialize #%d err=%v, want ErrPermissionPending", i, err)
		}
	}
	if hw.requests != 1 {
		t.Fatalf("permission requests=%d, want 1", hw.requests)
	}

	hw.grant()
	select {
	case id := <-granted:
		if id != "relay-1" {
			t.Fatalf("granted id=%q, want relay-1", id)
		}
	default:
		t.Fatalf("OnPermissionGranted not called")
	}

	if err := a.Initialize("relay-1"); err != nil {
		t.Fatalf("Initialize after grant: %v", err)
	}
	devs, _ := a.DiscoverDevices()
	if len(devs) != 1 || !devs[0].Initialized {
		t.Fatalf("devices=%+v, want relay-1 initialized", devs)
	}
}

func TestInitialize_UnknownDevice(t *testing.T) {
	a, _, _ := newTestActuator(t, true)
	if err := a.Initialize("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err=%v, want ErrDeviceNotFound", err)
	}
}

func TestIsOpen(t *testing.T) {
	cases := []struct {
		name     string
		response string
		readErr  error
		want     bool
		wantErr  error
	}{
		{name: "on", response: "relay read 3\n\ron\n\r>", want: true},
		{name: "off", response: "relay read 3\n\roff\n\r>", want: false},
		{name: "garbage", response: "relay read 3\n\r??\n\r>", wantErr: ErrUnparsableResponse},
		{name: "silent", wantErr: ErrProtocolTimeout},
		{name: "io error", readErr: io.ErrUnexpectedEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, hw, _ := newTestActuator(t, true)
			hw.port.response = []byte(tc.response)
			hw.port.readErr = tc.readErr
			mustInitialize(t, a)

			on, err := a.IsOpen(context.Background(), "relay-1", 3)
			switch {
			case tc.readErr != nil:
				var cmdErr *CommandError
				if !errors.As(err, &cmdErr) || !errors.Is(err, tc.readErr) {
					t.Fatalf("err=%v, want CommandError wrapping %v", err, tc.readErr)
				}
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err=%v, want %v", err, tc.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("IsOpen: %v", err)
				}
				if on != tc.want {
					t.Fatalf("on=%v, want %v", on, tc.want)
				}
			}

			writes := hw.port.recorded()
			if len(writes) != 1 || writes[0].cmd != "relay read 3\r" {
				t.Fatalf("writes=%+v, want single read command", writes)
			}
		})
	}
}

func TestIsOpen_AfterPulseOnEchoingBoard(t *testing.T) {
	a, hw, clk := newTestActuator(t, true)
	hw.port.echo = true
	mustInitialize(t, a)

	done := make(chan error, 1)
	go func() {
		done <- a.Open(context.Background(), Request{RelayID: "relay-1", Port: 3, HoldDuration: time.Second})
	}()
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Open: %v", err)
	}

	hw.port.mu.Lock()
	hw.port.response = []byte("off\n\r>")
	hw.port.mu.Unlock()
	on, err := a.IsOpen(context.Background(), "relay-1", 3)
	if err != nil || on {
		t.Fatalf("IsOpen=%v, %v, want off", on, err)
	}
	if hw.port.flushes != 1 {
		t.Fatalf("flushes=%d, want 1", hw.port.flushes)
	}
}

func TestIsOpen_IgnoresStaleInput(t *testing.T) {
	cases := []struct {
		name     string
		stale    string
		response string
		want     bool
	}{
		// A query that timed out earlier got its answer late.
		{name: "late answer", stale: "relay read 3\n\ron\n\r>", response: "relay read 3\n\roff\n\r>", want: false},
		// An echo that arrived after the flush precedes the answer.
		{name: "late echo", response: "relay off 3\n\r>relay read 3\n\ron\n\r>", want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, hw, _ := newTestActuator(t, true)
			mustInitialize(t, a)
			hw.port.input = []byte(tc.stale)
			hw.port.response = []byte(tc.response)

			on, err := a.IsOpen(context.Background(), "relay-1", 3)
			if err != nil {
				t.Fatalf("IsOpen: %v", err)
			}
			if on != tc.want {
				t.Fatalf("on=%v, want %v", on, tc.want)
			}
		})
	}
}

func TestClose_RejectsFurtherCommands(t *testing.T) {
	a, hw, _ := newTestActuator(t, true)
	mustInitialize(t, a)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Open(context.Background(), Request{RelayID: "relay-1", Port: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
	if !hw.port.closed {
		t.Fatalf("port not closed")
	}
}
