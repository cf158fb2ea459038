package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/clock"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
)

const (
	DefaultQueryTimeout = 500 * time.Millisecond
	DefaultQueueDepth   = 16
	readChunkBytes      = 64
	maxResponseBytes    = 256
)

type Config struct {
	VendorID     uint16
	QueryTimeout time.Duration
	QueueDepth   int

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnPermissionGranted is called (from the hardware's goroutine) once a
	// pending permission request for deviceID is granted.
	OnPermissionGranted func(deviceID string)
}

func (c Config) withDefaults() Config {
	if c.VendorID == 0 {
		c.VendorID = NumatoVendorID
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Actuator owns the relay boards attached to this kiosk. All commands for a
// board funnel through that board's queue.
type Actuator struct {
	hw  Hardware
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	devices map[string]*relayDevice
}

type relayDevice struct {
	info                Device
	port                Port
	queue               *commandQueue
	permissionRequested bool
}

func New(hw Hardware, cfg Config) *Actuator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Actuator{
		hw:      hw,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "actuator"),
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*relayDevice),
	}
}

// DiscoverDevices enumerates attached boards with the configured vendor id.
// Finding none is not an error.
func (a *Actuator) DiscoverDevices() ([]Device, error) {
	found, err := a.hw.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate relay devices: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Device, 0, len(found))
	for _, dev := range found {
		if dev.VendorID != a.cfg.VendorID {
			continue
		}
		d, ok := a.devices[dev.ID]
		if !ok {
			d = &relayDevice{info: dev}
			a.devices[dev.ID] = d
		}
		info := d.info
		info.Initialized = d.port != nil
		out = append(out, info)
	}
	return out, nil
}

// Initialize opens the serial line of deviceID. When the OS has not yet
// granted access it requests it and returns ErrPermissionPending.
func (a *Actuator) Initialize(deviceID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	d, ok := a.devices[deviceID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if d.port != nil {
		a.mu.Unlock()
		return nil
	}
	info := d.info

	if !a.hw.HasPermission(info) {
		request := !d.permissionRequested
		d.permissionRequested = true
		a.mu.Unlock()

		if request {
			a.cfg.Metrics.Inc(metrics.RelayPermissionWait)
			a.log.Info("requesting relay device permission", "device_id", deviceID, "path", info.Path)
			a.hw.RequestPermission(info, func() { a.permissionGranted(deviceID) })
		}
		return ErrPermissionPending
	}
	a.mu.Unlock()

	port, err := a.hw.OpenPort(info, DefaultLineConfig)
	if err != nil {
		return fmt.Errorf("open relay %s: %w", deviceID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = port.Close()
		return ErrClosed
	}
	if d.port != nil {
		// Lost a race with a concurrent Initialize.
		_ = port.Close()
		return nil
	}
	d.port = port
	d.queue = newCommandQueue(a.cfg.QueueDepth)
	a.wg.Add(1)
	go a.runQueue(d.info.ID, port, d.queue)

	a.log.Info("relay device initialized", "device_id", deviceID, "path", info.Path,
		"vendor_id", fmt.Sprintf("%04x", info.VendorID), "product_id", fmt.Sprintf("%04x", info.ProductID))
	return nil
}

func (a *Actuator) permissionGranted(deviceID string) {
	a.mu.Lock()
	if d, ok := a.devices[deviceID]; ok {
		d.permissionRequested = false
	}
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return
	}
	a.log.Info("relay device permission granted", "device_id", deviceID)
	if a.cfg.OnPermissionGranted != nil {
		a.cfg.OnPermissionGranted(deviceID)
	}
}

// Open pulses req.Port: wait OpenDelay, switch on, wait HoldDuration,
// switch off. It blocks until the sequence completed or ctx is done; a
// sequence that already started always runs to completion.
func (a *Actuator) Open(ctx context.Context, req Request) error {
	if _, err := portToken(req.Port); err != nil {
		return err
	}
	res, err := a.submit(ctx, &command{kind: commandOpen, ctx: ctx, req: req})
	if err != nil {
		return err
	}
	return res.err
}

// IsOpen queries the state of port. A missing or unparsable answer is an
// error; it is never reported as "closed".
func (a *Actuator) IsOpen(ctx context.Context, relayID string, port int) (bool, error) {
	if _, err := portToken(port); err != nil {
		return false, err
	}
	res, err := a.submit(ctx, &command{kind: commandQuery, ctx: ctx, req: Request{RelayID: relayID, Port: port}})
	if err != nil {
		return false, err
	}
	return res.on, res.err
}

func (a *Actuator) submit(ctx context.Context, cmd *command) (commandResult, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return commandResult{}, ErrClosed
	}
	d, ok := a.devices[cmd.req.RelayID]
	if !ok {
		a.mu.Unlock()
		return commandResult{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, cmd.req.RelayID)
	}
	if d.port == nil {
		a.mu.Unlock()
		return commandResult{}, ErrDeviceNotInitialized
	}
	queue := d.queue
	a.mu.Unlock()

	cmd.result = make(chan commandResult, 1)
	if err := queue.Enqueue(cmd); err != nil {
		a.cfg.Metrics.Inc(metrics.RelayQueueRejected)
		return commandResult{}, err
	}

	select {
	case res := <-cmd.result:
		return res, nil
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

func (a *Actuator) runQueue(deviceID string, port Port, q *commandQueue) {
	defer a.wg.Done()
	for {
		cmd, ok := q.Dequeue()
		if !ok {
			return
		}
		// Skip work whose caller already gave up before it started.
		if cmd.ctx != nil && cmd.ctx.Err() != nil {
			cmd.result <- commandResult{err: cmd.ctx.Err()}
			continue
		}

		var res commandResult
		switch cmd.kind {
		case commandOpen:
			res.err = a.pulse(deviceID, port, cmd.req)
		case commandQuery:
			res.on, res.err = a.query(deviceID, port, cmd.req.Port)
		}
		if res.err != nil {
			a.cfg.Metrics.Inc(metrics.RelayCommandFailed)
		}
		cmd.result <- res
	}
}

func (a *Actuator) pulse(deviceID string, port Port, req Request) error {
	on, err := relayCommand("on", req.Port)
	if err != nil {
		return err
	}
	off, err := relayCommand("off", req.Port)
	if err != nil {
		return err
	}

	if req.OpenDelay > 0 {
		if err := clock.Sleep(a.ctx, a.cfg.Clock, req.OpenDelay); err != nil {
			return ErrClosed
		}
	}
	if err := a.write(deviceID, port, on); err != nil {
		return err
	}
	a.log.Info("relay energized", "device_id", deviceID, "port", req.Port, "hold", req.HoldDuration)

	if req.HoldDuration > 0 {
		// The off command is still sent if the actuator is shutting down.
		_ = clock.Sleep(a.ctx, a.cfg.Clock, req.HoldDuration)
	}
	if err := a.write(deviceID, port, off); err != nil {
		return err
	}
	a.log.Info("relay released", "device_id", deviceID, "port", req.Port)
	return nil
}

func (a *Actuator) query(deviceID string, port Port, relayPort int) (bool, error) {
	read, err := relayCommand("read", relayPort)
	if err != nil {
		return false, err
	}
	// Drop command echoes and answers to earlier queries that timed out.
	if err := port.Flush(); err != nil {
		return false, &CommandError{DeviceID: deviceID, Command: read, Err: err}
	}
	if err := a.write(deviceID, port, read); err != nil {
		return false, err
	}

	deadline := time.Now().Add(a.cfg.QueryTimeout)
	if err := port.SetReadDeadline(deadline); err != nil {
		return false, &CommandError{DeviceID: deviceID, Command: read, Err: err}
	}
	defer func() { _ = port.SetReadDeadline(time.Time{}) }()

	var resp []byte
	buf := make([]byte, readChunkBytes)
	for {
		n, err := port.Read(buf)
		resp = append(resp, buf[:n]...)
		if answer, ok := readAnswer(resp, read); ok {
			return parseReadResponse(answer)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return false, fmt.Errorf("%w: %s port %d", ErrProtocolTimeout, deviceID, relayPort)
			}
			return false, &CommandError{DeviceID: deviceID, Command: read, Err: err}
		}
		if len(resp) > maxResponseBytes {
			return parseReadResponse(resp)
		}
	}
}

func (a *Actuator) write(deviceID string, port Port, cmd string) error {
	a.cfg.Metrics.Inc(metrics.RelayCommands)
	if _, err := port.Write([]byte(cmd + commandTerminator)); err != nil {
		return &CommandError{DeviceID: deviceID, Command: cmd, Err: err}
	}
	return nil
}

// Close stops every queue, waits for in-flight commands and releases the
// serial lines.
func (a *Actuator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	devices := make([]*relayDevice, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, d)
	}
	a.mu.Unlock()

	for _, d := range devices {
		if d.queue != nil {
			d.queue.Close()
		}
	}
	// In-flight pulses still send their "off" command before exiting.
	a.cancel()
	a.wg.Wait()

	var errs []error
	a.mu.Lock()
	for _, d := range devices {
		if d.port != nil {
			if err := d.port.Close(); err != nil {
				errs = append(errs, err)
			}
			d.port = nil
		}
	}
	a.mu.Unlock()
	return errors.Join(errs...)
}
