package safety

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestReadResponseBodyLimited(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader("abcdef")), ContentLength: -1}
	if _, err := ReadResponseBodyLimited(resp, 3); err == nil {
		t.Fatal("expected streaming limit error")
	}

	declared := &http.Response{Body: io.NopCloser(strings.NewReader("ab")), ContentLength: 1 << 30}
	if _, err := ReadResponseBodyLimited(declared, 3); err == nil {
		t.Fatal("expected declared length error")
	}

	ok := &http.Response{Body: io.NopCloser(strings.NewReader("abc")), ContentLength: 3}
	b, err := ReadResponseBodyLimited(ok, 3)
	if err != nil || string(b) != "abc" {
		t.Fatalf("b=%q err=%v", b, err)
	}
}

func TestDecodeJSONBodyLimited(t *testing.T) {
	cases := []struct {
		name string
		ct   string
		body string
	}{
		{name: "content type", ct: "text/plain", body: "{}"},
		{name: "malformed", ct: "application/json", body: "{"},
		{name: "trailing", ct: "application/json", body: `{"ok":true}{"bad":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{"Content-Type": []string{tc.ct}},
				Body:   io.NopCloser(strings.NewReader(tc.body)),
			}
			var out map[string]any
			if err := DecodeJSONBodyLimited(resp, 1024, &out); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewRestrictedHTTPClient_DoesNotFollowRedirects(t *testing.T) {
	c := NewRestrictedHTTPClient(nil, &Guard{})
	req := &http.Request{URL: &url.URL{Scheme: "https", Host: "example.com"}}
	if err := c.CheckRedirect(req, nil); err != http.ErrUseLastResponse {
		t.Fatalf("err=%v, want ErrUseLastResponse", err)
	}
}

func TestNewRestrictedHTTPClient_DisablesProxy(t *testing.T) {
	base := &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			ProxyConnectHeader: http.Header{"X-Test": []string{"1"}},
		},
	}
	c := NewRestrictedHTTPClient(base, nil)
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport=%T, want *http.Transport", c.Transport)
	}
	if tr.Proxy != nil || tr.ProxyConnectHeader != nil {
		t.Fatal("proxy settings should be cleared on restricted transport")
	}
}

func TestValidateDialTarget(t *testing.T) {
	g := &Guard{Resolver: fakeResolver{"internal.example.com": {"192.168.1.1"}}}

	ip, err := g.validateDialTarget(context.Background(), "2001:db8::1")
	if err != nil || !ip.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("ip=%v err=%v", ip, err)
	}
	if _, err := g.validateDialTarget(context.Background(), "fe80::1"); err == nil {
		t.Fatal("expected blocked ipv6 error")
	}
	if _, err := g.validateDialTarget(context.Background(), "internal.example.com"); err == nil {
		t.Fatal("expected dial-time rejection of private resolution")
	}
}
