package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/crud-api/internal/health"
	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/httpmw"
	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/xerrors"
)

// NewHandler builds the public handler: the chi router wrapped in the
// request pipeline. main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	compressMin := opts.CompressMinSize
	if compressMin <= 0 {
		compressMin = httpmw.DefaultCompressMinSize
	}

	r := chi.NewRouter()

	// Annotate tracer with http.route from chi route pattern if trace is recording
	r.Use(httpmw.AnnotateHTTPRoute)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	// Router misses still answer with an error envelope
	r.NotFound(httperr.NotFound)
	r.MethodNotAllowed(httperr.MethodNotAllowed)

	return httpmw.Chain(r,
		// error boundary outermost: everything inside may fail or panic into it
		httperr.Translator(logger, opts.OnPanic),
		httpmw.CORS,
		httpmw.Compress(httpmw.CompressOptions{
			MinSize:    compressMin,
			Level:      opts.CompressLevel,
			OnCompress: opts.OnCompressed,
		}),
		httpmw.SecurityHeaders,
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		// client IP before rate limiter and logging
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		tracing,
		// add trace-id headers to any requests with a recording trace
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.AccessLog(logger, opts.AccessRecorder),
		// failures render here so envelopes are compressed, logged and measured like any response
		httperr.Resolver,
		opts.RateLimitMW,
		httpmw.JSONBodyLimit(httpmw.JSONBodyLimitOptions{
			Limit:    opts.MaxJSONBodyBytes,
			OnReject: opts.OnPayloadRejected,
		}),
	)
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"http.server",
		// dont trace health checks (may re-visit in the future to sample at a really low rate)
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute will rename the span later to the final route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
	DefaultShutdownTimeout   = 5 * time.Second
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start public HTTP server
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
