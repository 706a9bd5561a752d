package egress

import (
	"errors"
	"net/http"
	"testing"

	"rotaforge/engine/internal/llm"
)

type okTransport struct{ calls int }

func (t *okTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestAllowlistRoundTripper(t *testing.T) {
	base := &okTransport{}
	rt := NewAllowlistRoundTripper(base, []string{"API.anthropic.com", " "})
	cases := []struct {
		url     string
		allowed bool
	}{
		{"https://api.anthropic.com/v1/messages", true},
		{"http://api.anthropic.com/v1/messages", false},
		{"https://example.com/", false},
		{"https://127.0.0.1/", false},
		{"http://localhost:11434/api/chat", false},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, tc.url, nil)
		if err != nil {
			t.Fatalf("request %s: %v", tc.url, err)
		}
		_, err = rt.RoundTrip(req)
		if tc.allowed && err != nil {
			t.Fatalf("expected %s to be allowed, got %v", tc.url, err)
		}
		if !tc.allowed && !errors.Is(err, llm.ErrEgressBlocked) {
			t.Fatalf("expected %s to be blocked, got %v", tc.url, err)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected one forwarded request, got %d", base.calls)
	}
	if hosts := rt.Hosts(); len(hosts) != 1 || hosts[0] != "api.anthropic.com" {
		t.Fatalf("unexpected hosts: %v", hosts)
	}
}

func TestLoopbackRoundTripper(t *testing.T) {
	base := &okTransport{}
	rt := NewLoopbackRoundTripper(base)
	for _, url := range []string{"http://localhost:11434/api/chat", "http://127.0.0.1:11434/api/chat", "http://[::1]:11434/"} {
		req, _ := http.NewRequest(http.MethodPost, url, nil)
		if _, err := rt.RoundTrip(req); err != nil {
			t.Fatalf("expected %s allowed, got %v", url, err)
		}
	}
	req, _ := http.NewRequest(http.MethodPost, "http://10.0.0.5:11434/api/chat", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, llm.ErrEgressBlocked) {
		t.Fatalf("expected remote host blocked, got %v", err)
	}
}
