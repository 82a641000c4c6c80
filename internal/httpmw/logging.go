package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/log"
)

// AccessEvent is the single record produced for every request.
type AccessEvent struct {
	Method     string
	Path       string
	Route      string
	ClientAddr string
	RequestID  string
	Status     int
	Elapsed    time.Duration
	Bytes      int64
	// Err is the failure the request ended with, nil when it was served.
	Err error
}

func (e AccessEvent) Failed() bool { return e.Err != nil }

// ElapsedMillis is the request duration in fractional milliseconds.
func (e AccessEvent) ElapsedMillis() float64 {
	return float64(e.Elapsed) / float64(time.Millisecond)
}

// AccessRecorder is the sink for access events.
type AccessRecorder interface {
	Record(ctx context.Context, ev AccessEvent)
}

type RecorderFunc func(ctx context.Context, ev AccessEvent)

func (f RecorderFunc) Record(ctx context.Context, ev AccessEvent) { f(ctx, ev) }

// LogRecorder writes events through the request-scoped logger. Server
// failures are logged at error level, everything else at info. Successful
// probe requests are not logged.
func LogRecorder() AccessRecorder {
	return RecorderFunc(func(ctx context.Context, ev AccessEvent) {
		if !ev.Failed() && (ev.Path == "/-/ready" || ev.Path == "/-/healthy") {
			return
		}

		L := log.FromContext(ctx)
		fields := []any{
			"http.response.status_code", ev.Status,
			"http.route", ev.Route,
			"elapsed_ms", ev.ElapsedMillis(),
			"http.response.body.size", ev.Bytes,
		}

		switch {
		case ev.Failed() && ev.Status >= http.StatusInternalServerError:
			L.Error(ctx, ev.Err, "http request failed", fields...)
		case ev.Failed():
			_, env := httperr.Translate(ev.Err)
			L.Info(ctx, "http request rejected", append(fields, "error.code", env.Error.Code)...)
		default:
			L.Info(ctx, "http request", fields...)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	// response.write span (starts on first WriteHeader/Write)
	ctx      context.Context
	reqStart time.Time

	writeSpan        trace.Span
	writeSpanStarted bool
	firstWriteAt     time.Duration
	writeBlocked     time.Duration
	writeErr         error
}

func (rw *responseWriter) ensureWriteSpan() {
	if rw.writeSpanStarted {
		return
	}
	rw.writeSpanStarted = true
	rw.firstWriteAt = time.Since(rw.reqStart)

	parent := trace.SpanFromContext(rw.ctx)
	if parent == nil || !parent.IsRecording() {
		return
	}

	tracer := otel.Tracer("crud-api/httpmw")
	rw.ctx, rw.writeSpan = tracer.Start(rw.ctx, "response.write",
		trace.WithAttributes(
			attribute.Float64("http.server.ttfb_seconds", rw.firstWriteAt.Seconds()),
		),
	)
}

func (rw *responseWriter) finishWriteSpan() {
	if rw.writeSpan == nil {
		return
	}

	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}

	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", status),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
	rw.writeSpan = nil
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.ensureWriteSpan()
	if rw.status == 0 && code >= 200 {
		rw.status = code
	}
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.ensureWriteSpan()
	// If WriteHeader hasn't been called yet, default to 200.
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

// support Flush if the underlying writer does.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// support Hijack (websockets, etc).
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// AccessLog is the logging stage. It stores a request-scoped logger in the
// context, runs the rest of the pipeline and records exactly one AccessEvent.
//
// A pending failure or panic is recorded as a failure and then left for the
// error boundary to render; panics are re-raised after recording.
func AccessLog(base log.Logger, rec AccessRecorder) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	if rec == nil {
		rec = LogRecorder()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := log.WithContext(r.Context(), requestLogger(base, r))
			// shared route context so the pattern chi matches is visible afterwards
			if chi.RouteContext(ctx) == nil {
				ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())
			}
			r = r.WithContext(ctx)
			rw := &responseWriter{
				ResponseWriter: w,
				ctx:            r.Context(),
				reqStart:       start,
			}

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				rw.finishWriteSpan()
				ev := accessEvent(r, rw, start)
				ev.Status = http.StatusInternalServerError
				ev.Err = httperr.Recovered(v)
				rec.Record(r.Context(), ev)
				httperr.MarkRecorded(r.Context())
				panic(v)
			}()

			next.ServeHTTP(rw, r)

			// child span that captures time blocked on writing the response to the client
			rw.finishWriteSpan()

			ev := accessEvent(r, rw, start)
			if status, ok := httperr.PendingStatus(r.Context()); ok {
				ev.Err = httperr.Pending(r.Context())
				// not written yet when no Resolver sits inside this stage
				if rw.status == 0 {
					ev.Status = status
				}
				httperr.MarkRecorded(r.Context())
			}
			rec.Record(r.Context(), ev)
		})
	}
}

func accessEvent(r *http.Request, rw *responseWriter, start time.Time) AccessEvent {
	ctx := r.Context()

	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}

	clientAddr := ClientIPFromContext(ctx)
	if clientAddr == "" {
		clientAddr = "unknown"
	}

	return AccessEvent{
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      routePattern(r),
		ClientAddr: clientAddr,
		RequestID:  RequestIDFromContext(ctx),
		Status:     status,
		Elapsed:    time.Since(start),
		Bytes:      rw.bytes,
	}
}

// requestLogger derives the per-request logger and annotates the active span.
// User-supplied values (query, user-agent) are kept out of logs.
func requestLogger(base log.Logger, r *http.Request) log.Logger {
	ctx := r.Context()

	reqID := RequestIDFromContext(ctx)
	clientAddr := ClientIPFromContext(ctx)
	if clientAddr == "" {
		clientAddr = "unknown"
	}

	// Normalize peer address to IP only (no port)
	peerAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		peerAddr = host
	}

	scheme := schemeFromRequest(r)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.SetAttributes(
			attribute.String("request_id", reqID),
			attribute.String("server.address", r.Host),
			attribute.String("client.address", clientAddr),
			attribute.String("network.peer.address", peerAddr),
			attribute.String("url.scheme", scheme),
		)
	}

	return base.With(
		"request_id", reqID,
		"client.address", clientAddr,
		"network.peer.address", peerAddr,
		"server.address", r.Host,
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"url.scheme", scheme,
	)
}

var validSchemes = map[string]bool{"http": true, "https": true}

func schemeFromRequest(r *http.Request) string {
	// X-Forwarded-Proto survives only when ClientIP trusted the proxy chain
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		// take the first if multiple in chain
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}

	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}

	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
