package egress

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"rotaforge/engine/internal/llm"
)

// AllowlistRoundTripper restricts outbound provider traffic to a fixed host
// allowlist. Remote hosts must use HTTPS; plain HTTP is accepted only for
// loopback addresses when AllowLoopback is set (local model servers).
type AllowlistRoundTripper struct {
	Base          http.RoundTripper
	Allowlist     map[string]bool
	AllowLoopback bool
}

func NewAllowlistRoundTripper(base http.RoundTripper, hosts []string) *AllowlistRoundTripper {
	allowlist := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowlist[host] = true
		}
	}
	return &AllowlistRoundTripper{Base: base, Allowlist: allowlist}
}

// NewLoopbackRoundTripper only permits requests to localhost addresses.
func NewLoopbackRoundTripper(base http.RoundTripper) *AllowlistRoundTripper {
	return &AllowlistRoundTripper{Base: base, Allowlist: map[string]bool{}, AllowLoopback: true}
}

// Hosts returns the allowlisted hosts in sorted order.
func (rt *AllowlistRoundTripper) Hosts() []string {
	hosts := make([]string, 0, len(rt.Allowlist))
	for host := range rt.Allowlist {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (rt *AllowlistRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.check(req); err != nil {
		return nil, err
	}
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (rt *AllowlistRoundTripper) check(req *http.Request) error {
	if req.URL == nil {
		return llm.ErrEgressBlocked
	}
	host := strings.ToLower(req.URL.Hostname())
	if host == "" {
		return llm.ErrEgressBlocked
	}
	if rt.AllowLoopback && isLoopback(host) {
		if req.URL.Scheme == "http" || req.URL.Scheme == "https" {
			return nil
		}
		return fmt.Errorf("%w: scheme %q", llm.ErrEgressBlocked, req.URL.Scheme)
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("%w: %s requires https", llm.ErrEgressBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return fmt.Errorf("%w: raw address %s", llm.ErrEgressBlocked, host)
	}
	if !rt.Allowlist[host] {
		return fmt.Errorf("%w: host %s not allowlisted", llm.ErrEgressBlocked, host)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
