package httperr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInternal         = "INTERNAL_SERVER_ERROR"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeBadRequest       = "BAD_REQUEST"
)

// Envelope is the body of every error response.
type Envelope struct {
	Error Body `json:"error"`
}

type Body struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Error is a failure that already knows how it should be presented.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	// Err is the internal cause; logged, never rendered.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// PayloadTooLarge is the 413 produced by the body size limits.
func PayloadTooLarge(limit int64) *Error {
	return &Error{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    CodePayloadTooLarge,
		Message: "Payload too large",
		Details: map[string]any{"limit_bytes": limit},
	}
}

// FieldError locates one invalid input, e.g. Loc ["body", "name"].
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// ValidationError is a structured input failure, rendered as 422.
type ValidationError struct {
	Errors []FieldError
}

func NewValidation(errs ...FieldError) *ValidationError {
	return &ValidationError{Errors: errs}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, strings.Join(fe.Loc, ".")+": "+fe.Msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Translate maps err onto a status and envelope.
func Translate(err error) (int, Envelope) {
	var (
		ve  *ValidationError
		ae  *Error
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve):
		fields := ve.Errors
		if fields == nil {
			fields = []FieldError{}
		}
		return http.StatusUnprocessableEntity, Envelope{Error: Body{
			Message: "Validation error",
			Code:    CodeValidation,
			Details: map[string]any{"errors": fields},
		}}
	case errors.As(err, &ae):
		return ae.Status, Envelope{Error: Body{Message: ae.Message, Code: ae.Code, Details: ae.Details}}
	case errors.As(err, &mbe):
		return Translate(PayloadTooLarge(mbe.Limit))
	}
	return http.StatusInternalServerError, Envelope{Error: Body{
		Message: "Internal server error",
		Code:    CodeInternal,
	}}
}

// StatusOf is the status Translate would pick for err.
func StatusOf(err error) int {
	status, _ := Translate(err)
	return status
}

// Render writes env as JSON with the given status.
func Render(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	render.Status(r, status)
	render.JSON(w, r, env)
}

// Write renders a one-off envelope; details may be nil.
func Write(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	Render(w, r, status, Envelope{Error: Body{Message: message, Code: code, Details: details}})
}

// WriteError renders the envelope Translate picks for err.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Translate(err)
	Render(w, r, status, env)
}
