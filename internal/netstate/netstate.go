// Package netstate tracks whether the kiosk has a usable network link.
package netstate

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Probe reports whether the network is currently usable.
type Probe func() bool

type Config struct {
	Interval time.Duration
	// Probe defaults to InterfacesUp.
	Probe Probe
	// OnRestored runs on the Run goroutine when the network comes back.
	OnRestored func()
	Logger     *slog.Logger
}

// Monitor caches the last probe result; it implements the Reachability
// interface used by signaling channels.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu sync.Mutex
	up bool
}

func New(cfg Config) *Monitor {
	if cfg.Probe == nil {
		cfg.Probe = InterfacesUp
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		cfg: cfg,
		log: cfg.Logger.With("component", "netstate"),
		up:  cfg.Probe(),
	}
}

func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// Check probes once and reports the new state. OnRestored fires on a down
// to up transition.
func (m *Monitor) Check() bool {
	up := m.cfg.Probe()

	m.mu.Lock()
	was := m.up
	m.up = up
	m.mu.Unlock()

	switch {
	case up && !was:
		m.log.Info("network restored")
		if m.cfg.OnRestored != nil {
			m.cfg.OnRestored()
		}
	case !up && was:
		m.log.Warn("network lost")
	}
	return up
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check()
		}
	}
}

// InterfacesUp reports whether any non-loopback interface is up with a
// routable unicast address.
func InterfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP; ip.IsGlobalUnicast() || ip.IsPrivate() {
				return true
			}
		}
	}
	return false
}
