package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/crud-api/internal/httperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// DecodeJSON decodes the request body into dst and validates it against its
// `validate` struct tags. Malformed JSON and failed constraints are both
// returned as *httperr.ValidationError; a body over the size limit is
// returned as is.
//
// It is the binding entry point for handlers that accept a body. The routes
// registered today take no input, so only tests exercise it for now.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return httperr.NewValidation(decodeFieldError(err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return httperr.NewValidation(httperr.FieldError{
			Loc:  []string{"body"},
			Msg:  "body must contain a single JSON value",
			Type: "json_invalid",
		})
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			// InvalidValidationError: dst is not a struct pointer, a programming error
			return err
		}
		fields := make([]httperr.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, httperr.FieldError{
				Loc:  fieldLoc(fe),
				Msg:  formatFieldError(fe),
				Type: fe.Tag(),
			})
		}
		return httperr.NewValidation(fields...)
	}
	return nil
}

func decodeFieldError(err error) httperr.FieldError {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, io.EOF):
		return httperr.FieldError{Loc: []string{"body"}, Msg: "body is required", Type: "missing"}
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return httperr.FieldError{Loc: []string{"body"}, Msg: "body is not valid JSON", Type: "json_invalid"}
	case errors.As(err, &typeErr):
		loc := []string{"body"}
		if typeErr.Field != "" {
			loc = append(loc, strings.Split(typeErr.Field, ".")...)
		}
		return httperr.FieldError{Loc: loc, Msg: "must be of type " + typeErr.Type.String(), Type: "type_error"}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		name := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return httperr.FieldError{Loc: []string{"body", name}, Msg: "unknown field", Type: "extra_forbidden"}
	}
	return httperr.FieldError{Loc: []string{"body"}, Msg: "body could not be decoded", Type: "json_invalid"}
}

// fieldLoc turns "Request.address.city" into ["body", "address", "city"].
func fieldLoc(fe validator.FieldError) []string {
	parts := strings.Split(fe.Namespace(), ".")
	loc := []string{"body"}
	if len(parts) > 1 {
		return append(loc, parts[1:]...)
	}
	return append(loc, fe.Field())
}

func formatFieldError(fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return fmt.Sprintf("must be at least %s", param)
	case "max":
		return fmt.Sprintf("must be at most %s", param)
	case "len":
		return fmt.Sprintf("must have length %s", param)
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(param, " ", ", ")
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", param)
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", param)
	case "gt":
		return fmt.Sprintf("must be greater than %s", param)
	case "lt":
		return fmt.Sprintf("must be less than %s", param)
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
