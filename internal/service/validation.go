package service

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-expenses/internal/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct-tag validation and reports the first failure
// as INVALID_INPUT on the offending JSON field.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := fmt.Sprintf("failed '%s' validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed '%s=%s' validation", fe.Tag(), fe.Param())
		}
		return errors.InvalidInput(fe.Field(), msg)
	}
	return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request")
}
