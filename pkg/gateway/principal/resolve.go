// Package principal resolves the client identity used for admission keys.
package principal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const unknownClient = "unknown"

// proxyHeaders are consulted in order when proxy headers are trusted.
// X-Forwarded-For contributes its left-most entry.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// ClientIP returns the caller's IP. Proxy headers are honored only when
// trustProxyHeaders is set; otherwise RemoteAddr is used. It returns
// "unknown" when nothing parses, so such callers share one admission bucket.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return unknownClient
	}
	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			raw, _, _ := strings.Cut(r.Header.Get(name), ",")
			if addr, ok := parseAddr(raw); ok {
				return addr
			}
		}
	}
	if addr, ok := parseAddr(r.RemoteAddr); ok {
		return addr
	}
	return unknownClient
}

// parseAddr accepts "ip", "ip:port" and "[v6]:port". IPv4-mapped IPv6 is
// reported as IPv4 so both spellings share a key.
func parseAddr(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}
