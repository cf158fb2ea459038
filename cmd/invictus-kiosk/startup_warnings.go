package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/raiadkharal/invictus-kiosk-sub000/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication on the control API",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if !isLoopbackListen(cfg.ListenAddr) {
		logger.Warn("startup security warning: control API listens beyond loopback (anyone on the network can start calls)",
			"warning_code", "listen_addr_not_loopback",
			"listen_addr", cfg.ListenAddr,
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if strings.TrimSpace(cfg.SignalingURL) == "" {
		logger.Warn("startup warning: SIGNALING_URL is unset; remote unlock and call signaling are disabled",
			"warning_code", "signaling_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && urlScheme(cfg.SignalingURL) == "ws" {
		logger.Warn("startup security warning: SIGNALING_URL uses ws:// while --mode=prod (access grants travel unencrypted)",
			"warning_code", "signaling_insecure_in_prod",
			"signaling_host", safeURLHost(cfg.SignalingURL),
			"mode", cfg.Mode,
		)
	}

	if !cfg.CallsEnabled() {
		logger.Warn("startup warning: TOKEN_URL/ROOM_URL are unset; visitors cannot place calls",
			"warning_code", "calls_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && urlScheme(cfg.TokenURL) == "http" {
		logger.Warn("startup security warning: TOKEN_URL uses http:// while --mode=prod (call tokens travel unencrypted)",
			"warning_code", "token_url_insecure_in_prod",
			"token_host", safeURLHost(cfg.TokenURL),
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
