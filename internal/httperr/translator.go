package httperr

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/xerrors"
)

// PanicError carries a recovered panic value through the error path.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

func (p *PanicError) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}

// Recovered wraps a recover() value, keeping the stack of the panicking goroutine.
// Must be called from the deferred function that recovered.
func Recovered(v any) error {
	return xerrors.WithStack(&PanicError{Value: v})
}

// startWriter notes whether the response has been committed.
type startWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startWriter) WriteHeader(code int) {
	if code >= 200 {
		w.started = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *startWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.started = true
		f.Flush()
	}
}

func (w *startWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	w.started = true
	return h.Hijack()
}

func (w *startWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Translator is the outermost error boundary. It installs the failure slot,
// recovers panics from every inner stage and renders any pending failure
// that no [Resolver] rendered. Failures the access log already recorded are
// not logged again. onPanic, if set, runs once per recovered panic (metrics).
func Translator(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, oc := withOutcome(r.Context())
			r = r.WithContext(ctx)
			sw := &startWriter{ResponseWriter: w}

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}
				// a panic supersedes an error reported earlier on the same request
				oc.err = Recovered(v)
				oc.rendered = false
				resolve(logger, sw, r, oc)
			}()

			next.ServeHTTP(sw, r)
			resolve(logger, sw, r, oc)
		})
	}
}

func resolve(logger log.Logger, w *startWriter, r *http.Request, oc *outcome) {
	if oc.err == nil {
		return
	}
	ctx := r.Context()
	status, env := Translate(oc.err)

	if !oc.recorded {
		kv := []any{
			"http.request.method", r.Method,
			"url.path", r.URL.Path,
			"http.response.status_code", status,
			"error.code", env.Error.Code,
		}
		if status >= http.StatusInternalServerError {
			logger.Error(ctx, oc.err, "unhandled error", kv...)
		} else {
			logger.Info(ctx, "request failed", kv...)
		}
	}

	if oc.rendered {
		return
	}
	if w.started {
		// headers are gone, the client sees a truncated response
		logger.Warn(ctx, "response already started, error envelope dropped",
			"url.path", r.URL.Path,
			"error.code", env.Error.Code,
		)
		return
	}
	Render(w, r, status, env)
}

// Resolver renders a pending failure from inside the pipeline so the
// envelope passes back through the compression, logging and metrics stages
// like any other response. A response that was already started is left for
// the Translator to report. Without a Translator it does nothing.
func Resolver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		oc := outcomeFrom(r.Context())
		if oc == nil || oc.err == nil || oc.rendered || sw.started {
			return
		}
		status, env := Translate(oc.err)
		Render(sw, r, status, env)
		oc.rendered = true
	})
}
