package httpmw

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	DefaultCompressMinSize = 1000
	DefaultCompressLevel   = gzip.BestCompression
)

type CompressOptions struct {
	// MinSize is the smallest body, in bytes, worth compressing.
	MinSize int
	// Level is a gzip level; 0 or out of range uses DefaultCompressLevel.
	Level int
	// OnCompress, if set, is called once per gzip-encoded response.
	OnCompress func(r *http.Request)
}

// Compress gzips responses of at least MinSize bytes for clients that accept
// gzip. Output is buffered until the threshold is reached, so smaller
// responses leave byte-for-byte identical with no Content-Encoding or Vary.
// Responses that already carry a Content-Encoding are passed through.
func Compress(opts CompressOptions) func(http.Handler) http.Handler {
	minSize := opts.MinSize
	if minSize < 0 {
		minSize = 0
	}
	level := opts.Level
	if level == 0 || level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = DefaultCompressLevel
	}

	pool := &sync.Pool{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || !acceptsGzip(r.Header.Get("Accept-Encoding")) {
				next.ServeHTTP(w, r)
				return
			}

			cw := &compressWriter{
				ResponseWriter: w,
				minSize:        minSize,
				level:          level,
				pool:           pool,
			}
			if opts.OnCompress != nil {
				cw.onCompress = func() { opts.OnCompress(r) }
			}

			next.ServeHTTP(cw, r)

			// not deferred: after a panic nothing may be written so the
			// error boundary can still render its response
			cw.finish()
		})
	}
}

// acceptsGzip reports whether gzip (or *) is listed with a non-zero q value.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		return true
	}
	return false
}

type compressWriter struct {
	http.ResponseWriter
	minSize    int
	level      int
	pool       *sync.Pool
	onCompress func()

	status  int
	buf     []byte
	decided bool
	gz      *gzip.Writer
	err     error
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.decided {
		cw.ResponseWriter.WriteHeader(code)
		return
	}
	if code < 200 {
		// informational responses go straight out
		cw.ResponseWriter.WriteHeader(code)
		return
	}
	if cw.status != 0 {
		return
	}
	cw.status = code
	if !bodyAllowed(code) || cw.Header().Get("Content-Encoding") != "" {
		cw.passthrough()
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		if cw.Header().Get("Content-Encoding") != "" {
			cw.passthrough()
		} else {
			cw.buf = append(cw.buf, b...)
			if len(cw.buf) < cw.minSize {
				return len(b), nil
			}
			if err := cw.startGzip(); err != nil {
				return 0, err
			}
			return len(b), nil
		}
	}
	if cw.err != nil {
		return 0, cw.err
	}
	if cw.gz != nil {
		return cw.gz.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

// Flush commits to gzip even below the threshold, the body is being streamed.
// Event streams are never compressed.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		if strings.HasPrefix(cw.Header().Get("Content-Type"), "text/event-stream") {
			cw.passthrough()
		} else if cw.startGzip() != nil {
			return
		}
	}
	if cw.gz != nil {
		if err := cw.gz.Flush(); err != nil {
			return
		}
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := cw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	cw.decided = true
	return h.Hijack()
}

func (cw *compressWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }

func (cw *compressWriter) writeStatus() {
	status := cw.status
	if status == 0 {
		status = http.StatusOK
	}
	cw.ResponseWriter.WriteHeader(status)
}

// passthrough sends the status and anything buffered without encoding.
func (cw *compressWriter) passthrough() {
	cw.decided = true
	cw.writeStatus()
	if len(cw.buf) > 0 {
		_, cw.err = cw.ResponseWriter.Write(cw.buf)
		cw.buf = nil
	}
}

func (cw *compressWriter) startGzip() error {
	cw.decided = true

	h := cw.Header()
	if h.Get("Content-Type") == "" {
		// sniffing after encoding would see gzip bytes
		h.Set("Content-Type", http.DetectContentType(cw.buf))
	}
	h.Del("Content-Length")
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	cw.writeStatus()

	if v, ok := cw.pool.Get().(*gzip.Writer); ok {
		v.Reset(cw.ResponseWriter)
		cw.gz = v
	} else {
		gz, err := gzip.NewWriterLevel(cw.ResponseWriter, cw.level)
		if err != nil {
			cw.err = err
			return err
		}
		cw.gz = gz
	}
	if cw.onCompress != nil {
		cw.onCompress()
	}

	if len(cw.buf) > 0 {
		_, cw.err = cw.gz.Write(cw.buf)
		cw.buf = nil
	}
	return cw.err
}

// finish flushes a short buffered body or closes the gzip stream. A handler
// that wrote nothing leaves the response untouched.
func (cw *compressWriter) finish() {
	if !cw.decided {
		if cw.status == 0 && len(cw.buf) == 0 {
			return
		}
		cw.passthrough()
		return
	}
	if cw.gz != nil {
		_ = cw.gz.Close()
		cw.pool.Put(cw.gz)
		cw.gz = nil
	}
}

func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified
}
