package httpmw

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/xerrors"
)

const DefaultMaxJSONBodyBytes int64 = 1 << 20

type JSONBodyLimitOptions struct {
	// Limit is the largest accepted body in bytes. <= 0 uses DefaultMaxJSONBodyBytes.
	Limit int64
	// OnReject, if set, is called for every request answered with 413.
	OnReject func(r *http.Request)
}

// JSONBodyLimit rejects JSON bodies larger than the limit with a 413 envelope
// before any handler runs. At most limit+1 bytes are read; accepted bodies are
// re-installed byte-for-byte so handlers can read them again.
// Other methods and content types pass through untouched.
func JSONBodyLimit(opts JSONBodyLimitOptions) func(http.Handler) http.Handler {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMaxJSONBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasJSONBody(r) {
				next.ServeHTTP(w, r)
				return
			}

			// failures go to the error boundary when one is installed
			fail := func(err error) {
				if !httperr.Report(r.Context(), err) {
					httperr.WriteError(w, r, err)
				}
			}
			reject := func() {
				if opts.OnReject != nil {
					opts.OnReject(r)
				}
				fail(httperr.PayloadTooLarge(limit))
			}

			// declared length already too big, don't read anything
			if r.ContentLength > limit {
				reject()
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
			if err != nil {
				log.FromContext(r.Context()).Warn(r.Context(), "read request body",
					"err", xerrors.Wrap(err, "json body limit"),
				)
				fail(httperr.New(http.StatusBadRequest, httperr.CodeBadRequest, "Invalid request body"))
				return
			}
			if int64(len(body)) > limit {
				reject()
				return
			}

			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
			r.ContentLength = int64(len(body))

			next.ServeHTTP(w, r)
		})
	}
}

func hasJSONBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}
