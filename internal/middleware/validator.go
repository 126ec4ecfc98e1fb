package middleware

import (
	"errors"
	"reflect"
	"strings"

	"github.com/creditline/creditline-backend/internal/util"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// FieldError is one failed validation rule on a request field
type FieldError struct {
	Field   string
	Message string
}

// RequestValidator implements echo.Validator with go-playground/validator
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator creates a RequestValidator that reports json field
// names and understands decimal strings
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("decimal", isDecimal)
	_ = v.RegisterValidation("date", isDate)
	return &RequestValidator{validate: v}
}

// Validate implements echo.Validator
func (rv *RequestValidator) Validate(i interface{}) error {
	return rv.validate.Struct(i)
}

// FieldErrors flattens a validation failure into per-field messages.
// ok is false when err did not come from the validator.
func FieldErrors(err error) (fields []FieldError, ok bool) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, false
	}
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return fields, true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "decimal":
		return "must be a decimal number"
	case "date":
		return "must be a date in YYYY-MM-DD format"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}

func isDecimal(fl validator.FieldLevel) bool {
	_, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil
}

func isDate(fl validator.FieldLevel) bool {
	_, err := util.ParseDate(fl.Field().String())
	return err == nil
}
