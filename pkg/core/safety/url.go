// Package safety guards outbound fetches against SSRF: every target URL and
// every redirect hop is validated before a connection is made.
package safety

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	MaxURLLength    = 8192
	MaxRedirectHops = 3
)

// ErrBlocked wraps every rejection so callers can tell policy failures from
// transport failures.
var ErrBlocked = errors.New("url blocked")

var blockedCIDRs = mustParseCIDRs([]string{
	"0.0.0.0/8",
	"127.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

var blockedHostnames = map[string]struct{}{
	"localhost":                  {},
	"metadata":                   {},
	"metadata.google.internal":   {},
	"metadata.goog":              {},
	"metadata.azure.com":         {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
	"169.254.169.254":            {},
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates outbound URLs. The zero value allows https only and uses
// net.DefaultResolver.
type Guard struct {
	// AllowHTTP admits plain http targets in addition to https.
	AllowHTTP bool
	Resolver  Resolver
}

func (g *Guard) resolver() Resolver {
	if g == nil || g.Resolver == nil {
		return net.DefaultResolver
	}
	return g.Resolver
}

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBlocked, fmt.Sprintf(format, args...))
}

// Validate parses rawURL and rejects anything that could reach a private
// network. Checks run against the fully decoded form; the returned URL keeps
// rawURL's own escaping with only the host normalized. A DNS failure is not a
// rejection: the fetch itself will fail, and the dialer re-validates whatever
// address it actually connects to.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, blocked("url is required")
	}
	if len(rawURL) > MaxURLLength {
		return nil, blocked("url exceeds maximum length %d", MaxURLLength)
	}
	decodedURL, err := decodeURLForValidation(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(decodedURL)
	if err != nil {
		return nil, blocked("invalid url: %v", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if g == nil || !g.AllowHTTP {
			return nil, blocked("http urls are not allowed")
		}
	default:
		return nil, blocked("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, blocked("url credentials are not allowed")
	}

	host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(u.Hostname()), "."))
	port := strings.TrimSpace(u.Port())
	if host == "" {
		return nil, blocked("url host is required")
	}
	if !isASCII(host) || strings.Contains(host, "%") {
		return nil, blocked("invalid hostname")
	}
	hostPort := host
	if port != "" {
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, blocked("invalid port")
		}
		hostPort = net.JoinHostPort(host, port)
	}
	if _, ok := blockedHostnames[host]; ok {
		return nil, blocked("metadata host %q", host)
	}

	out, err := url.Parse(rawURL)
	if err != nil {
		return nil, blocked("invalid url: %v", err)
	}
	if !strings.EqualFold(out.Scheme, u.Scheme) || out.User != nil {
		return nil, blocked("url scheme or credentials are obscured by encoding")
	}
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = hostPort

	if ip := net.ParseIP(host); ip != nil {
		if err := validateIP(ip); err != nil {
			return nil, err
		}
		return out, nil
	}

	resolved, err := g.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return out, nil
	}
	for _, rec := range resolved {
		if err := validateIP(rec.IP); err != nil {
			return nil, fmt.Errorf("%s resolves to a blocked address: %w", host, err)
		}
	}
	return out, nil
}

func validateIP(ip net.IP) error {
	if ip == nil {
		return blocked("invalid ip")
	}
	if isIPv4MappedIPv6(ip) {
		ip = ip.To4()
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return blocked("destination ip %s is private", ip)
	}
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return blocked("destination ip %s is private", ip)
		}
	}
	return nil
}

func mustParseCIDRs(values []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

func decodeURLForValidation(rawURL string) (string, error) {
	decoded := rawURL
	for i := 0; i < 3; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil {
			return "", blocked("invalid percent-encoding in url")
		}
		if next == decoded {
			break
		}
		decoded = next
	}
	return decoded, nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func isIPv4MappedIPv6(ip net.IP) bool {
	return len(ip) == net.IPv6len && bytes.Equal(ip[:12], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff})
}
