package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/middleware"
	"github.com/creditline/creditline-backend/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error types
const (
	ErrorTypeValidation  = "https://creditline.dev/errors/validation"
	ErrorTypeNotFound    = "https://creditline.dev/errors/not-found"
	ErrorTypeConflict    = "https://creditline.dev/errors/conflict"
	ErrorTypeUnavailable = "https://creditline.dev/errors/unavailable"
	ErrorTypeInternal    = "https://creditline.dev/errors/internal"
)

// retryAfterSeconds is advertised when the ledger gave up on a contended loan
const retryAfterSeconds = 1

// NewValidationError creates a validation error response
func NewValidationError(c echo.Context, detail string, errors []ValidationError) error {
	return c.JSON(http.StatusBadRequest, ProblemDetails{
		Type:     ErrorTypeValidation,
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		Errors:   errors,
	})
}

// NewNotFoundError creates a not found error response
func NewNotFoundError(c echo.Context, detail string) error {
	return c.JSON(http.StatusNotFound, ProblemDetails{
		Type:     ErrorTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewConflictError creates a conflict error response
func NewConflictError(c echo.Context, detail string) error {
	return c.JSON(http.StatusConflict, ProblemDetails{
		Type:     ErrorTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewServiceUnavailableError creates a 503 response telling the caller when to retry
func NewServiceUnavailableError(c echo.Context, detail string, retryAfter int) error {
	if retryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	return c.JSON(http.StatusServiceUnavailable, ProblemDetails{
		Type:     ErrorTypeUnavailable,
		Title:    "Service Unavailable",
		Status:   http.StatusServiceUnavailable,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// NewInternalError creates an internal error response
func NewInternalError(c echo.Context, detail string) error {
	return c.JSON(http.StatusInternalServerError, ProblemDetails{
		Type:     ErrorTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	})
}

// bindAndValidate decodes the request body and runs struct validation
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}
	if err := c.Validate(req); err != nil {
		if fields, ok := middleware.FieldErrors(err); ok {
			errs := make([]ValidationError, len(fields))
			for i, f := range fields {
				errs[i] = ValidationError{Field: f.Field, Message: f.Message}
			}
			return NewValidationError(c, "Validation failed", errs)
		}
		return NewValidationError(c, err.Error(), nil)
	}
	return nil
}

// respondError maps ledger errors to problem details. Unexpected errors are
// logged with identifiers only.
func respondError(c echo.Context, err error, action string) error {
	var validationErr *domain.ValidationError
	var frequencyErr *domain.InvalidFrequencyError
	var notFoundErr *domain.NotFoundError

	switch {
	case errors.As(err, &validationErr):
		var fields []ValidationError
		if validationErr.Field != "" {
			fields = []ValidationError{{Field: validationErr.Field, Message: validationErr.Message}}
		}
		return NewValidationError(c, "Validation failed", fields)
	case errors.As(err, &frequencyErr):
		return NewValidationError(c, "Validation failed", []ValidationError{
			{Field: "frequency", Message: "Must be one of: daily, weekly, biweekly, monthly"},
		})
	case errors.As(err, &notFoundErr):
		return NewNotFoundError(c, notFoundErr.Error())
	case errors.Is(err, domain.ErrOverpayment), errors.Is(err, domain.ErrAlreadyPaid):
		return NewConflictError(c, err.Error())
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		return NewServiceUnavailableError(c, "Loan is busy, retry with the same idempotency key", retryAfterSeconds)
	case errors.Is(err, service.ErrReceiptsUnavailable):
		return NewServiceUnavailableError(c, "Receipt storage is not configured", 0)
	default:
		log.Error().
			Err(err).
			Str("loan_id", c.Param("id")).
			Str("payment_id", c.Param("paymentId")).
			Msg("Failed to " + action)
		return NewInternalError(c, "Failed to "+action)
	}
}
