package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/crud-api/internal/health"
	"github.com/keithlinneman/crud-api/internal/httpmw"
	"github.com/keithlinneman/crud-api/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// APIRoutes registers the terminal handlers on the router.
	APIRoutes func(chi.Router)

	Health    health.Probe
	Readiness health.Probe

	// Body size limit for JSON requests, <= 0 uses httpmw.DefaultMaxJSONBodyBytes.
	MaxJSONBodyBytes int64
	// Gzip threshold and level; <= 0 uses the httpmw defaults.
	CompressMinSize int
	CompressLevel   int

	ClientIPOpts httpmw.ClientIPOptions

	// Optional stages and hooks, nil skips them
	MetricsMW         func(http.Handler) http.Handler
	RateLimitMW       func(http.Handler) http.Handler
	AccessRecorder    httpmw.AccessRecorder
	OnPanic           func()
	OnPayloadRejected func(r *http.Request)
	OnCompressed      func(r *http.Request)
}
