package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/actuator"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/config"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/httpserver"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/kiosk"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/media"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/metrics"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/netstate"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/session"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/signaling"
	"github.com/raiadkharal/invictus-kiosk-sub000/internal/token"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No ICE sockets exist until a call creates a PeerConnection.
	api, err := media.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting invictus-kiosk",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"kiosk_id", cfg.KioskID,
		"signaling_host", safeURLHost(cfg.SignalingURL),
		"calls_enabled", cfg.CallsEnabled(),
		"relay_vendor_id", fmt.Sprintf("0x%04x", cfg.RelayVendorID),
		"relay_device_id", cfg.RelayDeviceID,
		"missed_call_timeout", cfg.MissedCallTimeout,
		"countdown", cfg.Countdown,
		"connect_attempts", cfg.ConnectAttempts,
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()

	// The relay and network monitor report back into the controller, which
	// is built after them.
	var ctrl *kiosk.Controller

	hw := actuator.NewLinuxHardware()
	relay := actuator.New(hw, actuator.Config{
		VendorID:            cfg.RelayVendorID,
		QueryTimeout:        cfg.RelayQueryTimeout,
		Logger:              logger,
		Metrics:             m,
		OnPermissionGranted: func(deviceID string) { ctrl.RelayPermissionGranted(deviceID) },
	})

	monitor := netstate.New(netstate.Config{
		Interval:   cfg.NetworkPollInterval,
		OnRestored: func() { ctrl.NetworkRestored() },
		Logger:     logger,
	})

	ctrl = kiosk.New(kioskConfig(cfg, api, relay, monitor, logger, m))

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, ctrl, m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})

	runErr := g.Wait()
	if err := relay.Close(); err != nil {
		logger.Error("relay close failed", "err", err)
	}
	_ = hw.Close()

	if runErr != nil {
		logger.Error("kiosk exited", "err", runErr)
		os.Exit(1)
	}
}

func kioskConfig(cfg config.Config, api *webrtc.API, relay *actuator.Actuator, monitor *netstate.Monitor, logger *slog.Logger, m *metrics.Metrics) kiosk.Config {
	kc := kiosk.Config{
		KioskID:              cfg.KioskID,
		Registry:             signaling.NewRegistry(),
		Reachability:         monitor,
		AccessReconnectDelay: cfg.AccessReconnectDelay,
		CallReconnectDelay:   cfg.CallReconnectDelay,
		Relay:                relay,
		RelayDeviceID:        cfg.RelayDeviceID,
		DefaultHold:          cfg.RelayHold,
		Timers: session.Timers{
			MissedCall: cfg.MissedCallTimeout,
			Countdown:  cfg.Countdown,
			Watchdog:   cfg.WatchdogTimeout,
			MediaGrace: cfg.MediaGrace,
		},
		Retry: session.Retry{
			Attempts:       cfg.ConnectAttempts,
			AttemptTimeout: cfg.ConnectAttemptTimeout,
			Delay:          cfg.ConnectRetryDelay,
		},
		StartInterval: cfg.StartInterval,
		StartBurst:    cfg.StartBurst,
		Logger:        logger,
		Metrics:       m,
	}

	if cfg.SignalingURL != "" {
		ws := signaling.WebSocketConfig{
			URL:          cfg.SignalingURL,
			AccessToken:  cfg.SignalingToken,
			PingInterval: cfg.SignalingPingInterval,
			IdleTimeout:  cfg.SignalingIdleTimeout,
			Logger:       logger,
			Metrics:      m,
		}
		kc.AccessTransport = signaling.NewWebSocketTransport(ws)
		kc.CallTransport = func() signaling.Transport { return signaling.NewWebSocketTransport(ws) }
	}

	if cfg.CallsEnabled() {
		exchanger := media.NewHTTPExchanger(cfg.RoomURL, cfg.ConnectAttemptTimeout)
		kc.NewProvider = func() media.Provider {
			return media.NewPionProvider(api, media.PionConfig{
				ICEServers: cfg.ICEServers,
				Exchanger:  exchanger,
				Logger:     logger,
			})
		}
		kc.Tokens = token.NewHTTPSource(token.HTTPSourceConfig{
			URL:     cfg.TokenURL,
			KioskID: cfg.KioskID,
			APIKey:  cfg.TokenAPIKey,
			Client:  &http.Client{Timeout: cfg.ConnectAttemptTimeout},
		})
	}
	return kc
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
