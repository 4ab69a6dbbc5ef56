package tools

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/toolrelay/internal/jsonval"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeArgs copies args into the struct pointed to by dst and runs the
// struct's `validate` tags. Failures are returned as *ArgumentError
// naming the first offending field.
func DecodeArgs(args jsonval.Object, dst any) error {
	if err := args.Decode(dst); err != nil {
		return &ArgumentError{Reason: err.Error()}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ArgumentError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &ArgumentError{Reason: err.Error()}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "len":
		return "must have length " + fe.Param()
	case "alpha":
		return "must contain only letters"
	case "email":
		return "must be an email address"
	case "url", "http_url":
		return "must be a URL"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
