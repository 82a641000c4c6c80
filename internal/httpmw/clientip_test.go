package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientAddr(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
		kept   bool // X-Forwarded-For survives resolution
	}{
		{name: "no hops ignores xff", remote: "10.0.0.1:1234", xff: "203.0.113.50", want: "10.0.0.1"},
		{name: "no hops no xff", remote: "203.0.113.1:1234", want: "203.0.113.1"},
		{name: "public peer never trusted", remote: "203.0.113.1:1234", xff: "198.51.100.7", hops: 1, want: "203.0.113.1"},
		{name: "private peer one hop", remote: "10.0.0.1:1234", xff: "203.0.113.50", hops: 1, want: "203.0.113.50", kept: true},
		{name: "loopback peer one hop", remote: "127.0.0.1:5000", xff: "203.0.113.50", hops: 1, want: "203.0.113.50", kept: true},
		{name: "one hop takes rightmost", remote: "10.0.0.1:1234", xff: "1.1.1.1, 203.0.113.50", hops: 1, want: "203.0.113.50", kept: true},
		{name: "two hops", remote: "10.0.0.1:1234", xff: "203.0.113.50, 10.0.0.5", hops: 2, want: "203.0.113.50", kept: true},
		{name: "fewer entries than hops", remote: "10.0.0.1:1234", xff: "203.0.113.50", hops: 3, want: "10.0.0.1"},
		{name: "garbage entry falls back to peer", remote: "10.0.0.1:1234", xff: "not-an-ip", hops: 1, want: "10.0.0.1", kept: true},
		{name: "private peer without xff", remote: "10.0.0.1:1234", hops: 1, want: "10.0.0.1"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "ipv4 mapped peer", remote: "[::ffff:10.0.0.1]:80", want: "10.0.0.1"},
		{name: "bare address", remote: "192.0.2.9", want: "192.0.2.9"},
		{name: "empty peer is unknown", remote: "", xff: "203.0.113.50", hops: 1, want: ""},
		{name: "malformed peer is unknown", remote: "nonsense:1", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			r.Header.Set("X-Forwarded-Proto", "https")

			if got := resolveClientAddr(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientAddr = %q, want %q", got, tt.want)
			}
			if got := r.Header.Get("X-Forwarded-For") != ""; got != tt.kept {
				t.Fatalf("X-Forwarded-For kept = %v, want %v", got, tt.kept)
			}
		})
	}
}

func TestClientIPWithOptions_StoresAddress(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/items", nil)
	r.RemoteAddr = "10.1.2.3:9000"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.20" {
		t.Fatalf("client ip = %q, want 198.51.100.20", got)
	}
}

func TestClientIP_UnknownPeerLeavesContextEmpty(t *testing.T) {
	got := "unset"
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "" {
		t.Fatalf("client ip = %q, want empty", got)
	}
}

func TestWithClientIP(t *testing.T) {
	ctx := WithClientIP(context.Background(), "192.0.2.1")
	if got := ClientIPFromContext(ctx); got != "192.0.2.1" {
		t.Fatalf("ClientIPFromContext = %q, want 192.0.2.1", got)
	}
	base := context.Background()
	if WithClientIP(base, "") != base {
		t.Fatal("empty ip should return the context unchanged")
	}
}
