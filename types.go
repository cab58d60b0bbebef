package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is satisfied by glog.Logger and slog style loggers. Args
// are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetSigningKeyID() string
	GetPreviousSigningKeys() map[string]string
	GetIssuer() string
	GetAudience() []string
	GetAccessTokenMinutes() int
	GetRefreshTokenDays() int
	GetOtpTTL() time.Duration
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// Notifier delivers a one time code to a user address
type Notifier interface {
	SendOtp(ctx context.Context, msg OtpMessage) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg OtpMessage) error

// SendOtp implements Notifier.
func (f NotifierFunc) SendOtp(ctx context.Context, msg OtpMessage) error {
	if f == nil {
		return nil
	}
	return f(ctx, msg)
}

// OtpMessage is what a Notifier needs to deliver a code
type OtpMessage struct {
	To        string
	Name      string
	Code      string
	Purpose   OtpPurpose
	ExpiresAt time.Time
	TTL       time.Duration
}

// KeyedLocker serializes work per key. The returned func releases
// the lock.
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Clock returns the current time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

type defLogger struct{}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print("[ERR] AUTH " + formatLine(msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print("[WRN] AUTH " + formatLine(msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print("[INF] AUTH " + formatLine(msg, args...))
}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print("[DBG] AUTH " + formatLine(msg, args...))
}

func formatLine(msg string, args ...any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	b.WriteString("\n")
	return b.String()
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger discards everything, handy in tests
func NoopLogger() Logger {
	return noopLogger{}
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
