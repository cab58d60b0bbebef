package notifier

import (
	"context"

	"github.com/goliatone/go-print"

	auth "github.com/goliatone/go-instance-auth"
)

// Log writes codes to the logger instead of sending them. Meant for
// local development only.
type Log struct {
	logger auth.Logger
}

var _ auth.Notifier = (*Log)(nil)

func NewLog(logger auth.Logger) *Log {
	if logger == nil {
		logger = auth.NoopLogger()
	}
	return &Log{logger: logger}
}

func (n *Log) SendOtp(_ context.Context, msg auth.OtpMessage) error {
	n.logger.Info("otp issued", "message", print.MaybePrettyJSON(map[string]any{
		"to":         msg.To,
		"purpose":    msg.Purpose,
		"code":       msg.Code,
		"expires_at": msg.ExpiresAt,
	}))
	return nil
}
