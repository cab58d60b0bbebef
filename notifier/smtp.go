// Package notifier delivers one time codes to users.
package notifier

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/wneessen/go-mail"

	auth "github.com/goliatone/go-instance-auth"
)

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host     string `env:"HOST" json:"host"`
	Port     int    `env:"PORT" envDefault:"587" json:"port"`
	Username string `env:"USERNAME" json:"username"`
	Password string `env:"PASSWORD" json:"-"`
	From     string `env:"FROM" envDefault:"no-reply@localhost" json:"from"`
}

var otpMailTemplate = template.Must(template.New("otp").Parse(`<h2>Verification Code</h2>
{{if .Name}}<p>Hi {{.Name}},</p>
{{end}}<p>Your OTP code is:</p>
<h1>{{.Code}}</h1>
<p>This code expires in {{.Expires}}.</p>
`))

type otpMailData struct {
	Name    string
	Code    string
	Expires string
}

// SMTP sends codes as HTML e-mail
type SMTP struct {
	cfg     SMTPConfig
	logger  auth.Logger
	timeout time.Duration
	send    func(ctx context.Context, msg *mail.Msg) error
}

var _ auth.Notifier = (*SMTP)(nil)

func NewSMTP(cfg SMTPConfig) *SMTP {
	n := &SMTP{
		cfg:     cfg,
		logger:  auth.NoopLogger(),
		timeout: 15 * time.Second,
	}
	n.send = n.deliver
	return n
}

func (n *SMTP) WithLogger(logger auth.Logger) *SMTP {
	if logger != nil {
		n.logger = logger
	}
	return n
}

func (n *SMTP) SendOtp(ctx context.Context, msg auth.OtpMessage) error {
	if msg.To == "" {
		return errors.New("recipient address required", errors.CategoryBadInput)
	}

	mailMsg, err := ComposeOtpMail(n.cfg.From, msg)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "failed to compose otp mail")
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.send(ctx, mailMsg); err != nil {
		n.logger.Error("otp mail delivery failed", "purpose", msg.Purpose, "error", err)
		return errors.Wrap(err, errors.CategoryInternal, "failed to deliver otp mail")
	}

	n.logger.Debug("otp mail sent", "purpose", msg.Purpose)
	return nil
}

func (n *SMTP) deliver(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTimeout(n.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}

	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}

	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return err
	}

	return client.DialAndSendWithContext(ctx, msg)
}

// ComposeOtpMail builds the HTML message for msg
func ComposeOtpMail(from string, msg auth.OtpMessage) (*mail.Msg, error) {
	m := mail.NewMsg()

	if err := m.From(from); err != nil {
		return nil, err
	}

	if err := m.To(msg.To); err != nil {
		return nil, err
	}

	m.Subject(Subject(msg.Purpose))
	m.SetDate()

	err := m.SetBodyHTMLTemplate(otpMailTemplate, otpMailData{
		Name:    msg.Name,
		Code:    msg.Code,
		Expires: humanTTL(msg.TTL),
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Subject returns the mail subject for a purpose
func Subject(purpose auth.OtpPurpose) string {
	switch purpose {
	case auth.OtpPurposeForgotPassword:
		return "Your password reset code"
	case auth.OtpPurposeEmailVerification:
		return "Verify your email address"
	default:
		return "Your OTP Code"
	}
}

func humanTTL(ttl time.Duration) string {
	if ttl <= 0 {
		return "a few minutes"
	}
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	if minutes <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
