package auth

import (
	"net/http"

	"github.com/goliatone/go-errors"
)

const (
	ResultCodeSuccess = 0
	ResultCodeFailure = 50
)

// Response is the envelope every endpoint answers with
type Response[T any] struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Data       *T       `json:"data"`
	Errors     []string `json:"errors"`
	ResultCode int      `json:"resultCode"`
}

// Ok wraps data in a success envelope
func Ok[T any](data T, message string) Response[T] {
	if message == "" {
		message = "Success"
	}
	return Response[T]{
		Success:    true,
		Message:    message,
		Data:       &data,
		ResultCode: ResultCodeSuccess,
	}
}

// Fail builds a failure envelope and the HTTP status for err. Internal
// errors never expose their cause.
func Fail(err error) (int, Response[any]) {
	status, message := describeError(err)
	return status, Response[any]{
		Success:    false,
		Message:    message,
		Errors:     FieldErrors(err),
		ResultCode: ResultCodeFailure,
	}
}

// StatusFor maps an error category to an HTTP status
func StatusFor(err error) int {
	status, _ := describeError(err)
	return status
}

func describeError(err error) (int, string) {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return http.StatusInternalServerError, "internal error"
	}

	switch richErr.Category {
	case errors.CategoryValidation, errors.CategoryBadInput:
		return http.StatusBadRequest, richErr.Message
	case errors.CategoryAuth:
		return http.StatusUnauthorized, richErr.Message
	case errors.CategoryAuthz:
		return http.StatusForbidden, richErr.Message
	case errors.CategoryNotFound:
		return http.StatusNotFound, richErr.Message
	case errors.CategoryConflict:
		return http.StatusConflict, richErr.Message
	case errors.CategoryOperation:
		return http.StatusRequestTimeout, "request cancelled"
	}

	if richErr.TextCode == TextCodeOtpDeliveryFailed {
		return http.StatusInternalServerError, richErr.Message
	}

	return http.StatusInternalServerError, "internal error"
}
