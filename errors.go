package auth

import (
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

const (
	TextCodeInvalidCredential = "INVALID_CREDENTIAL"
	TextCodeAccessDenied      = "ACCESS_DENIED"
	TextCodeInvalidOtp        = "INVALID_OTP"
	TextCodeOtpDeliveryFailed = "OTP_DELIVERY_FAILED"
	TextCodePasswordMismatch  = "PASSWORD_MISMATCH"
	TextCodeValidation        = "VALIDATION_ERROR"
	TextCodeNotFound          = "NOT_FOUND"
	TextCodeConflict          = "CONFLICT"
	TextCodeInternal          = "INTERNAL_ERROR"
	TextCodeTokenExpired      = "TOKEN_EXPIRED"
	TextCodeTokenMalformed    = "TOKEN_MALFORMED"
)

// ErrInvalidCredential is returned for every authentication mismatch.
// It never says whether the user exists.
var ErrInvalidCredential = errors.New("invalid credentials", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(TextCodeInvalidCredential)

// ErrAccessDenied caller lacks the role or instance link
var ErrAccessDenied = errors.New("access denied", errors.CategoryAuthz).
	WithCode(errors.CodeForbidden).
	WithTextCode(TextCodeAccessDenied)

// ErrInvalidOtp the one time code did not verify
var ErrInvalidOtp = errors.New("invalid or expired verification code", errors.CategoryValidation).
	WithCode(errors.CodeBadRequest).
	WithTextCode(TextCodeInvalidOtp)

// ErrOtpDeliveryFailed the code was stored but the notifier failed
var ErrOtpDeliveryFailed = errors.New("could not deliver verification code", errors.CategoryInternal).
	WithCode(errors.CodeInternal).
	WithTextCode(TextCodeOtpDeliveryFailed)

// ErrPasswordMismatch password and confirmation differ
var ErrPasswordMismatch = errors.New("password and confirmation do not match", errors.CategoryValidation).
	WithCode(errors.CodeBadRequest).
	WithTextCode(TextCodePasswordMismatch)

// ErrTokenExpired access token is past exp
var ErrTokenExpired = errors.New("token is expired", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(TextCodeTokenExpired)

// ErrTokenMalformed access token could not be parsed or verified
var ErrTokenMalformed = errors.New("token is malformed", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(TextCodeTokenMalformed)

// ErrNoEmptyString empty password
var ErrNoEmptyString = errors.New("password can not be empty", errors.CategoryValidation).
	WithCode(errors.CodeBadRequest).
	WithTextCode(TextCodeValidation)

// NewValidationError builds a validation error carrying field level detail
func NewValidationError(message string, fields map[string]string) *errors.Error {
	return errors.NewValidationFromMap(message, fields).
		WithCode(errors.CodeBadRequest).
		WithTextCode(TextCodeValidation)
}

// FromValidation converts ozzo validation errors into a validation error.
// Anything else is returned untouched.
func FromValidation(err error) error {
	if err == nil {
		return nil
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for field, ferr := range verrs {
			if ferr != nil {
				fields[field] = ferr.Error()
			}
		}
		return NewValidationError("validation failed", fields)
	}

	return err
}

// NewNotFoundError reports the missing subject and its identifier
func NewNotFoundError(kind, id string) *errors.Error {
	return errors.New(fmt.Sprintf("%s not found", kind), errors.CategoryNotFound).
		WithCode(errors.CodeNotFound).
		WithTextCode(TextCodeNotFound).
		WithMetadata(map[string]any{
			"kind": kind,
			"id":   id,
		})
}

// NewInternalError hides the cause behind an opaque message. Callers
// are expected to log err before returning this.
func NewInternalError(err error, op string) *errors.Error {
	internal := errors.New("internal error", errors.CategoryInternal).
		WithCode(errors.CodeInternal).
		WithTextCode(TextCodeInternal).
		WithMetadata(map[string]any{"operation": op})
	internal.Source = err
	return internal
}

// FieldErrors flattens validation detail into sorted "field: message" lines
func FieldErrors(err error) []string {
	verrs, ok := errors.GetValidationErrors(err)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(verrs))
	for _, ferr := range verrs {
		out = append(out, ferr.Error())
	}
	sort.Strings(out)
	return out
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}

func isRecordNotFound(err error) bool {
	if err == nil {
		return false
	}
	return repository.IsRecordNotFound(err) || errors.IsNotFound(err)
}

// isUniqueViolation matches sqlite and postgres constraint errors
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if repository.IsDuplicatedKey(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// asRichError keeps rich errors as they are and wraps the rest as
// opaque internal errors.
func asRichError(err error, op string) error {
	if err == nil {
		return nil
	}
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr
	}
	return NewInternalError(err, op)
}
