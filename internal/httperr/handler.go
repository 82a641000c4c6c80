package httperr

import "net/http"

// HandlerFunc is a terminal handler that reports failures by returning them.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil || Report(r.Context(), err) {
		return
	}
	WriteError(w, r, err)
}

// NotFound and MethodNotAllowed keep router misses on the envelope contract.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
}
