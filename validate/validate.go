// Package validate checks request and job payloads against their
// `validate` struct tags. Field names in errors follow the json tag, so a
// failure reads the way the client wrote the body.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/courier"
)

var std = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
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

// Struct validates s. The error wraps courier.ErrValidation and names the
// first failing field.
func Struct(s any) error {
	err := std.Struct(s)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		return fmt.Errorf("%w: %s", courier.ErrValidation, describe(fields[0]))
	}
	return fmt.Errorf("%w: %w", courier.ErrValidation, err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fmt.Sprint(fe.Value()))
	case "email":
		return fmt.Sprintf("%s %q is not an email address", fe.Field(), fmt.Sprint(fe.Value()))
	case "excluded_with":
		return fmt.Sprintf("%s cannot be combined with %s", fe.Field(), fe.Param())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s is below %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
	}
}
