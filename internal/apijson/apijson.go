// Package apijson holds the request decoding, validation and response
// helpers shared by the HTTP API packages.
package apijson

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes caps request bodies read by Decode.
const MaxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterAlias("severity", "oneof=critical high medium low")
	v.RegisterAlias("incident_status", "oneof=open acknowledged in_progress resolved")
	return v
}

// FieldError is one failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// ValidationError is the 422 response body.
type ValidationError struct {
	Error  string       `json:"error"`
	Fields []FieldError `json:"fields"`
}

// Write encodes v as the JSON response body with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": msg} with the given status.
func Error(w http.ResponseWriter, status int, msg string) {
	Write(w, status, map[string]string{"error": msg})
}

// Decode reads a JSON body into dst. On failure it writes a 400, or a 413
// for bodies over MaxBodyBytes, and returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

// Validate checks v's validate tags. On failure it writes a 422 listing
// the failed fields and returns false.
func Validate(w http.ResponseWriter, v any) bool {
	err := validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		Error(w, http.StatusUnprocessableEntity, "validation failed")
		return false
	}
	Write(w, http.StatusUnprocessableEntity, ValidationError{
		Error:  "validation failed",
		Fields: fieldErrors(verrs),
	})
	return false
}

// ValidateVar checks a single value against a tag, for query parameters.
func ValidateVar(w http.ResponseWriter, field string, v any, tag string) bool {
	err := validate.Var(v, tag)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fs := fieldErrors(verrs)
		for i := range fs {
			fs[i].Field = field
		}
		Write(w, http.StatusUnprocessableEntity, ValidationError{Error: "validation failed", Fields: fs})
		return false
	}
	Error(w, http.StatusUnprocessableEntity, "validation failed")
	return false
}

func fieldErrors(verrs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// QueryInt parses an optional integer query parameter. A missing value
// yields def. A malformed one writes a 422 and returns false.
func QueryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		Write(w, http.StatusUnprocessableEntity, ValidationError{
			Error:  "validation failed",
			Fields: []FieldError{{Field: name, Rule: "int"}},
		})
		return 0, false
	}
	return n, true
}

// Normalize lowercases and trims an enum-like or identifier value.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
