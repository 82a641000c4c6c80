package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/crud-api/internal/health"
	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/httpmw"
	"github.com/keithlinneman/crud-api/internal/log"
)

var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"X-XSS-Protection":       "1; mode=block",
	"Referrer-Policy":        "no-referrer",
	"Permissions-Policy":     "geolocation=()",
}

// testRoutes is a small api surface exercising each outcome the pipeline handles.
func testRoutes(r chi.Router) {
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"` + chi.URLParam(r, "id") + `"}`))
	})
	r.Post("/items", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
	})
	r.Get("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"` + strings.Repeat("abcdefghij", 200) + `"}`))
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("secret panic detail")
	})
}

func newTestHandler(mut func(*Options)) http.Handler {
	opts := &Options{Logger: log.Nop(), APIRoutes: testRoutes}
	if mut != nil {
		mut(opts)
	}
	return NewHandler(opts)
}

func send(h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) httperr.Envelope {
	t.Helper()
	var env httperr.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestNewHandler_Outcomes(t *testing.T) {
	h := newTestHandler(nil)
	jsonCT := map[string]string{"Content-Type": "application/json"}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{name: "route", method: "GET", path: "/items/7", wantStatus: 200},
		{name: "create", method: "POST", path: "/items", body: `{"a":1}`, wantStatus: 201},
		{name: "not found", method: "GET", path: "/missing", wantStatus: 404, wantCode: httperr.CodeNotFound},
		{name: "method not allowed", method: "DELETE", path: "/items", wantStatus: 405, wantCode: httperr.CodeMethodNotAllowed},
		{name: "panic", method: "GET", path: "/panic", wantStatus: 500, wantCode: httperr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(h, tt.method, tt.path, tt.body, jsonCT)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			for k, v := range securityHeaders {
				if got := rec.Header().Get(k); got != v {
					t.Errorf("%s = %q, want %q", k, got, v)
				}
			}
			if rec.Header().Get("Access-Control-Allow-Origin") == "" {
				t.Error("CORS header missing")
			}
			if _, err := uuid.Parse(rec.Header().Get("X-Request-Id")); err != nil {
				t.Errorf("X-Request-Id %q is not a uuid", rec.Header().Get("X-Request-Id"))
			}
			if tt.wantCode != "" {
				if env := decodeEnvelope(t, rec); env.Error.Code != tt.wantCode {
					t.Fatalf("code = %q, want %q", env.Error.Code, tt.wantCode)
				}
			}
			if strings.Contains(rec.Body.String(), "secret panic detail") {
				t.Fatal("panic value leaked into the response")
			}
		})
	}
}

func TestNewHandler_RequestIDPropagated(t *testing.T) {
	rec := send(newTestHandler(nil), "GET", "/items/1", "", map[string]string{"X-Request-Id": "upstream-abc-123"})
	if got := rec.Header().Get("X-Request-Id"); got != "upstream-abc-123" {
		t.Fatalf("X-Request-Id = %q, want upstream-abc-123", got)
	}
}

func TestNewHandler_Probes(t *testing.T) {
	down := health.CheckFunc(func(context.Context) error { return errors.New("draining") })

	tests := []struct {
		name       string
		opts       func(*Options)
		path       string
		wantStatus int
	}{
		{name: "healthy", opts: func(o *Options) { o.Health = health.Alive() }, path: "/-/healthy", wantStatus: 200},
		{name: "ready", opts: func(o *Options) { o.Readiness = health.Alive() }, path: "/-/ready", wantStatus: 200},
		{name: "not ready", opts: func(o *Options) { o.Readiness = down }, path: "/-/ready", wantStatus: 503},
		{name: "no health probe", opts: nil, path: "/-/healthy", wantStatus: 404},
		{name: "no readiness probe", opts: nil, path: "/-/ready", wantStatus: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := send(newTestHandler(tt.opts), "GET", tt.path, "", nil); rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewHandler_OptionalStages(t *testing.T) {
	var metricsHit, limiterHit bool
	var events []string
	h := newTestHandler(func(o *Options) {
		o.MetricsMW = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				metricsHit = true
				next.ServeHTTP(w, r)
			})
		}
		o.RateLimitMW = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limiterHit = true
				next.ServeHTTP(w, r)
			})
		}
		o.AccessRecorder = httpmw.RecorderFunc(func(_ context.Context, ev httpmw.AccessEvent) {
			events = append(events, fmt.Sprintf("%s %s %d", ev.Route, ev.ClientAddr, ev.Status))
		})
	})

	req := httptest.NewRequest("GET", "/items/3", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !metricsHit || !limiterHit {
		t.Fatalf("metrics applied = %v, rate limit applied = %v", metricsHit, limiterHit)
	}
	if len(events) != 1 || events[0] != "/items/{id} 10.0.0.1 200" {
		t.Fatalf("events = %v, want [/items/{id} 10.0.0.1 200]", events)
	}
}

func TestNewHandler_PanicHook(t *testing.T) {
	var calls int
	h := newTestHandler(func(o *Options) { o.OnPanic = func() { calls++ } })

	rec := send(h, "GET", "/panic", "", map[string]string{"Origin": "https://app.example.com"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("OnPanic called %d times, want 1", calls)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q after panic", got)
	}
}

func TestNewHandler_Compression(t *testing.T) {
	gz := map[string]string{"Accept-Encoding": "gzip"}
	var compressed int
	onCompress := func(o *Options) { o.OnCompressed = func(*http.Request) { compressed++ } }

	tests := []struct {
		name string
		opts func(*Options)
		path string
		hdr  map[string]string
		want string
	}{
		{name: "large body", opts: onCompress, path: "/big", hdr: gz, want: "gzip"},
		{name: "no accept-encoding", opts: onCompress, path: "/big"},
		{name: "below default threshold", opts: onCompress, path: "/items/1", hdr: gz},
		{name: "custom threshold", opts: func(o *Options) { onCompress(o); o.CompressMinSize = 5 }, path: "/items/1", hdr: gz, want: "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(newTestHandler(tt.opts), "GET", tt.path, "", tt.hdr)
			if got := rec.Header().Get("Content-Encoding"); got != tt.want {
				t.Fatalf("Content-Encoding = %q, want %q", got, tt.want)
			}
		})
	}
	if compressed != 2 {
		t.Fatalf("OnCompressed called %d times, want 2", compressed)
	}
}

func TestNewHandler_BodyLimit(t *testing.T) {
	var rejected int
	h := newTestHandler(func(o *Options) {
		o.MaxJSONBodyBytes = 16
		o.OnPayloadRejected = func(*http.Request) { rejected++ }
	})
	jsonCT := map[string]string{"Content-Type": "application/json"}

	rec := send(h, "POST", "/items", `{"a":1}`, jsonCT)
	if rec.Code != http.StatusCreated || rec.Body.String() != `{"a":1}` {
		t.Fatalf("small body: status %d body %q", rec.Code, rec.Body.String())
	}

	rec = send(h, "POST", "/items", `{"a":"`+strings.Repeat("x", 64)+`"}`, jsonCT)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body: status = %d, want 413", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error.Code != httperr.CodePayloadTooLarge || env.Error.Details["limit_bytes"] != float64(16) {
		t.Fatalf("envelope = %+v", env.Error)
	}
	if rejected != 1 {
		t.Fatalf("OnPayloadRejected called %d times, want 1", rejected)
	}

	// non-json bodies are not size checked
	rec = send(h, "POST", "/items", strings.Repeat("x", 64), map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("text body: status = %d, want 201", rec.Code)
	}
}

func TestNewHandler_PreflightShortCircuits(t *testing.T) {
	reached := false
	h := newTestHandler(func(o *Options) {
		o.APIRoutes = func(r chi.Router) {
			r.Options("/items", func(w http.ResponseWriter, r *http.Request) { reached = true })
		}
	})

	rec := send(h, "OPTIONS", "/items", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if reached {
		t.Fatal("preflight reached the router")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("Access-Control-Allow-Methods missing")
	}
}

func TestNewHandler_NilOptions(t *testing.T) {
	rec := send(NewHandler(nil), "GET", "/", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing with no options set")
	}
}

func TestNewServer(t *testing.T) {
	h := http.NotFoundHandler()
	srv := NewServer(":8080", h)

	if srv.Addr != ":8080" || srv.Handler == nil {
		t.Fatalf("Addr = %q, Handler = %v", srv.Addr, srv.Handler)
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ReadHeaderTimeout", srv.ReadHeaderTimeout, DefaultReadHeaderTimeout},
		{"ReadTimeout", srv.ReadTimeout, DefaultReadTimeout},
		{"WriteTimeout", srv.WriteTimeout, DefaultWriteTimeout},
		{"IdleTimeout", srv.IdleTimeout, DefaultIdleTimeout},
	}
	for _, c := range checks {
		if c.got != c.want || c.got == 0 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d, want %d", srv.MaxHeaderBytes, DefaultMaxHeaderBytes)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_Lifecycle(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)

	stop, err := Start(ctx, &Options{Port: port, APIRoutes: testRoutes})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/items/9", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != `{"id":"9"}` {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" || resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("pipeline headers missing on live server: %v", resp.Header)
	}

	if _, err := Start(ctx, &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}

	for i := 0; i < 2; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}
