package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/crud-api/internal/httperr"
)

// route label for requests no route matched, keeps 404 scans out of the label set
const unmatchedRoute = "unmatched"

// statusWriter remembers the first real status and counts body bytes.
type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 && code >= 200 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records every request once it has left the inner pipeline.
// A failure still pending for the error translator is counted with the
// status and envelope code it will be rendered with; a panic counts as 500
// INTERNAL_SERVER_ERROR and is re-raised.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// chi fills this in so the matched pattern is readable afterwards
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v != http.ErrAbortHandler {
				m.envelopes.WithLabelValues(httperr.CodeInternal).Inc()
				m.record(r, sw.n, http.StatusInternalServerError, start)
			}
			panic(v)
		}()

		next.ServeHTTP(sw, r)

		status := sw.status
		if err := httperr.Pending(r.Context()); err != nil {
			rendered, env := httperr.Translate(err)
			m.envelopes.WithLabelValues(env.Error.Code).Inc()
			if status == 0 {
				status = rendered
			}
		}
		if status == 0 {
			status = http.StatusOK
		}
		m.record(r, sw.n, status, start)
	})
}

func (m *ServerMetrics) record(r *http.Request, written, status int, start time.Time) {
	route := unmatchedRoute
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}

	m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.serverErr.WithLabelValues(r.Method, route).Inc()
	}
	observe(m.latency.WithLabelValues(r.Method, route), time.Since(start).Seconds(), traceExemplar(r.Context()))
	m.respSize.WithLabelValues(r.Method, route).Observe(float64(written))
}

func observe(o prometheus.Observer, v float64, exemplar prometheus.Labels) {
	if eo, ok := o.(prometheus.ExemplarObserver); ok && exemplar != nil {
		eo.ObserveWithExemplar(v, exemplar)
		return
	}
	o.Observe(v)
}

// traceExemplar links a latency sample to its trace when the trace is sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
