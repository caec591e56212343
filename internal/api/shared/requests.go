package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes bounds request bodies read by DecodeJSON.
const MaxBodyBytes = 1 << 20

// ErrEmptyBody is returned by DecodeJSON for a request without a body.
var ErrEmptyBody = errors.New("request body is empty")

// Global validator instance for reuse. Field names in errors are the JSON
// names clients send.
var validate = newValidator()

// taskIDPattern limits caller-chosen task IDs to characters that are safe
// in URL path segments and bus channel names.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	// registration only fails for an empty tag or nil func
	_ = v.RegisterValidation("taskid", func(fl validator.FieldLevel) bool {
		return taskIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// DecodeJSON decodes a single JSON document from the request body into v.
// Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// ValidateRequest validates the given struct using the validator package.
func ValidateRequest(v any) error {
	// Check if the object implements the Validate interface
	if custom, ok := v.(interface{ Validate() error }); ok {
		return custom.Validate()
	}
	return validate.Struct(v)
}
