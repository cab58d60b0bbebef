package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOk(t *testing.T) {
	res := Ok(map[string]int{"count": 2}, "")

	assert.True(t, res.Success)
	assert.Equal(t, "Success", res.Message)
	assert.Equal(t, ResultCodeSuccess, res.ResultCode)
	require.NotNil(t, res.Data)
	assert.Equal(t, 2, (*res.Data)["count"])

	raw, err := json.Marshal(Ok(true, "linked"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"linked","data":true,"errors":null,"resultCode":0}`, string(raw))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", NewValidationError("bad", map[string]string{"host": "cannot be blank"}), 400},
		{"invalid otp", ErrInvalidOtp, 400},
		{"bad input", goerrors.New("bad", goerrors.CategoryBadInput), 400},
		{"credential", ErrInvalidCredential, 401},
		{"expired token", ErrTokenExpired, 401},
		{"denied", ErrAccessDenied, 403},
		{"not found", NewNotFoundError("user", "x"), 404},
		{"conflict", goerrors.New("taken", goerrors.CategoryConflict), 409},
		{"cancelled", goerrors.Wrap(context.Canceled, goerrors.CategoryOperation, "cancelled"), 408},
		{"internal", NewInternalError(errors.New("boom"), "op"), 500},
		{"delivery", ErrOtpDeliveryFailed, 500},
		{"plain", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestFail(t *testing.T) {
	t.Run("validation carries field errors", func(t *testing.T) {
		status, res := Fail(NewValidationError("validation failed", map[string]string{
			"host":        "cannot be blank",
			"environment": "must be a valid value",
		}))

		assert.Equal(t, 400, status)
		assert.False(t, res.Success)
		assert.Equal(t, ResultCodeFailure, res.ResultCode)
		assert.Equal(t, "validation failed", res.Message)
		assert.Equal(t, []string{"environment: must be a valid value", "host: cannot be blank"}, res.Errors)
		assert.Nil(t, res.Data)
	})

	t.Run("internal errors are masked", func(t *testing.T) {
		status, res := Fail(errors.New("pq: password authentication failed for user admin"))

		assert.Equal(t, 500, status)
		assert.Equal(t, "internal error", res.Message)
		assert.Empty(t, res.Errors)
	})

	t.Run("delivery failure keeps its message", func(t *testing.T) {
		status, res := Fail(ErrOtpDeliveryFailed)

		assert.Equal(t, 500, status)
		assert.Equal(t, "could not deliver verification code", res.Message)
	})

	t.Run("credential failures say nothing else", func(t *testing.T) {
		status, res := Fail(ErrInvalidCredential)

		assert.Equal(t, 401, status)
		assert.Equal(t, "invalid credentials", res.Message)
	})
}
