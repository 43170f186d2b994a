package pledge

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrPersistence wraps ledger failures. A payment may have been taken when
// it is returned, so callers must log it loudly.
var ErrPersistence = errors.New("pledge persistence failure")

// ValidationError reports the first request field that failed validation.
// Its message is safe to show to the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "Invalid request: " + e.Reason
	}
	return fmt.Sprintf("Invalid request: %s %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names so messages match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct runs struct-tag validation and converts the first failure
// into a ValidationError.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	return fieldError(verrs[0])
}

func fieldError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Reason: "is missing"}
	case "email":
		return &ValidationError{Field: field, Reason: "is not a valid email address"}
	case "gte", "gt", "min":
		return &ValidationError{Field: field, Reason: "must be positive"}
	case "max":
		return &ValidationError{Field: field, Reason: "is too long"}
	}
	return &ValidationError{Field: field, Reason: "is invalid"}
}
