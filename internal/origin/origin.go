// Package origin decides which browser origins may drive the local control
// API. The kiosk UI is normally served from the same host as the API; other
// origins (a dev server, a packaged shell) must be listed explicitly.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Null is the Origin browsers send from file:// pages and sandboxed frames.
const Null = "null"

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] with default ports dropped, plus the host[:port]
// part for same-host checks.
func Normalize(header string) (normalized, host string, ok bool) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return "", "", false
	}
	if raw == Null {
		return Null, "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	hostname, port, err := net.SplitHostPort(authority)
	if err != nil {
		// No port. IPv6 literals must still be bracketed.
		bracketed := strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]")
		hostname, port = strings.Trim(authority, "[]"), ""
		if strings.Contains(hostname, ":") && !bracketed {
			return "", false
		}
	} else if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return "", false
	}
	if hostname == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return net.JoinHostPort(hostname, port), true
	}
	if strings.Contains(hostname, ":") {
		return "[" + hostname + "]", true
	}
	return hostname, true
}

// ParseAllowed normalizes a comma-separated allowlist. "*" allows every
// origin.
func ParseAllowed(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Allowed reports whether a request carrying originHeader may proceed.
// Requests without an Origin header are not from a browser page and pass.
// With an empty allowlist only same-host origins pass; the scheme is not
// compared so a TLS-terminating proxy in front does not break the UI.
func Allowed(originHeader, requestHost string, allowed []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	if normalized == Null {
		return false
	}
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := normalizeHost(requestHost, scheme)
	return ok && reqHost == host
}
