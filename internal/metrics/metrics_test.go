package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/keithlinneman/crud-api/internal/version"
)

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestNew_RegistersRuntimeCollectors(t *testing.T) {
	out := scrape(t, New())
	for _, name := range []string{"go_goroutines", "process_cpu_seconds_total", "http_inflight_requests", "profiling_active"} {
		if !strings.Contains(out, name) {
			t.Errorf("scrape missing %s", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	if got := testutil.ToFloat64(b.panics); got != 0 {
		t.Fatalf("second registry panics = %v, want 0", got)
	}
}

func TestHooks(t *testing.T) {
	m := New()
	r := httptest.NewRequest(http.MethodPost, "/items", nil)

	m.IncHttpPanic()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()
	m.IncPayloadTooLarge(r)
	m.IncCompressed(r)
	m.IncCompressed(r)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"panics", testutil.ToFloat64(m.panics), 1},
		{"rate limited", testutil.ToFloat64(m.rateLimited), 2},
		{"rate limit capacity", testutil.ToFloat64(m.rateLimitFull), 1},
		{"payload too large", testutil.ToFloat64(m.tooLarge), 1},
		{"compressed", testutil.ToFloat64(m.compressed), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	out := scrape(t, m)
	for _, line := range []string{
		"http_panic_total 1",
		"http_requests_rate_limited_total 2",
		"http_requests_payload_too_large_total 1",
		"http_responses_compressed_total 2",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("scrape missing %q", line)
		}
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	m := New()
	m.SetBuildInfoFromVersion("crud-api", "server", version.Info{
		Version:   "v1.2.3",
		Commit:    "abc123",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	})

	out := scrape(t, m)
	for _, want := range []string{`app="crud-api"`, `component="server"`, `version="v1.2.3"`, `commit="abc123"`, `vcs_dirty="true"`} {
		if !strings.Contains(out, want) {
			t.Errorf("build_info missing %s", want)
		}
	}
}

func TestSetBuildInfoFromVersion_UnknownDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("crud-api", "server", version.Info{Version: "dev"})
	if !strings.Contains(scrape(t, m), `vcs_dirty="unknown"`) {
		t.Fatal(`build_info missing vcs_dirty="unknown"`)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := testutil.ToFloat64(m.profilingActive); got != 1 {
		t.Fatalf("profiling_active = %v, want 1", got)
	}
	m.SetProfilingActive(false)
	if got := testutil.ToFloat64(m.profilingActive); got != 0 {
		t.Fatalf("profiling_active = %v, want 0", got)
	}
}

func TestSizeBucketsCoverBodyLimit(t *testing.T) {
	if largest := sizeBuckets[len(sizeBuckets)-1]; largest < 1<<20 {
		t.Fatalf("largest size bucket = %v, want >= 1 MiB", largest)
	}
}
