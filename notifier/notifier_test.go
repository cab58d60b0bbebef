package notifier

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	auth "github.com/goliatone/go-instance-auth"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(msg string, args ...any) { r.lines = append(r.lines, msg) }
func (r *recordingLogger) Info(msg string, args ...any) {
	for i := 1; i < len(args); i += 2 {
		if s, ok := args[i].(string); ok {
			msg += " " + s
		}
	}
	r.lines = append(r.lines, msg)
}
func (r *recordingLogger) Warn(msg string, args ...any)  { r.lines = append(r.lines, msg) }
func (r *recordingLogger) Error(msg string, args ...any) { r.lines = append(r.lines, msg) }

func otpMessage() auth.OtpMessage {
	return auth.OtpMessage{
		To:        "a@x.com",
		Name:      "Ada <Lovelace>",
		Code:      "004217",
		Purpose:   auth.OtpPurposeForgotPassword,
		ExpiresAt: time.Date(2025, 3, 1, 12, 10, 0, 0, time.UTC),
		TTL:       10 * time.Minute,
	}
}

func TestComposeOtpMail(t *testing.T) {
	msg, err := ComposeOtpMail("no-reply@example.com", otpMessage())
	require.NoError(t, err)

	assert.Equal(t, []string{"<a@x.com>"}, msg.GetToString())
	assert.Equal(t, []string{"<no-reply@example.com>"}, msg.GetFromString())
	assert.Equal(t, []string{"Your password reset code"}, msg.GetGenHeader(mail.HeaderSubject))

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "text/html")
	assert.Contains(t, raw, "<h1>004217</h1>")
	assert.Contains(t, raw, "expires in 10 minutes")
	assert.Contains(t, raw, "Ada &lt;Lovelace&gt;")
	assert.NotContains(t, raw, "Ada <Lovelace>")
}

func TestComposeOtpMailRejectsBadAddress(t *testing.T) {
	msg := otpMessage()
	msg.To = "not an address"

	_, err := ComposeOtpMail("no-reply@example.com", msg)
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "Verify your email address", Subject(auth.OtpPurposeEmailVerification))
	assert.Equal(t, "Your OTP Code", Subject("other"))
}

func TestSMTPSendOtp(t *testing.T) {
	t.Run("delivers composed message", func(t *testing.T) {
		n := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "no-reply@example.com"})

		var got *mail.Msg
		n.send = func(ctx context.Context, msg *mail.Msg) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			got = msg
			return nil
		}

		require.NoError(t, n.SendOtp(context.Background(), otpMessage()))
		require.NotNil(t, got)
		assert.Equal(t, []string{"<no-reply@example.com>"}, got.GetFromString())
		assert.Equal(t, []string{"<a@x.com>"}, got.GetToString())
	})

	t.Run("transport failure is wrapped", func(t *testing.T) {
		logger := &recordingLogger{}
		n := NewSMTP(SMTPConfig{Host: "smtp.example.com"}).WithLogger(logger)
		n.send = func(context.Context, *mail.Msg) error {
			return errors.New("connection refused")
		}

		err := n.SendOtp(context.Background(), otpMessage())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to deliver otp mail")
		assert.Contains(t, logger.lines, "otp mail delivery failed")
		for _, line := range logger.lines {
			assert.NotContains(t, line, "004217")
		}
	})

	t.Run("missing recipient", func(t *testing.T) {
		n := NewSMTP(SMTPConfig{Host: "smtp.example.com"})
		n.send = func(context.Context, *mail.Msg) error {
			t.Fatal("send should not be called")
			return nil
		}

		msg := otpMessage()
		msg.To = ""
		assert.Error(t, n.SendOtp(context.Background(), msg))
	})
}

func TestLogNotifier(t *testing.T) {
	logger := &recordingLogger{}
	n := NewLog(logger)

	require.NoError(t, n.SendOtp(context.Background(), otpMessage()))
	require.Len(t, logger.lines, 1)
	assert.Contains(t, logger.lines[0], "otp issued")
	assert.Contains(t, logger.lines[0], "004217")
}
