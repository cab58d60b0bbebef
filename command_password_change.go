package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type ChangePasswordMessage struct {
	Email           string     `json:"email"`
	Password        string     `json:"password"`
	ConfirmPassword string     `json:"confirm_password"`
	Code            string     `json:"code"`
	Purpose         OtpPurpose `json:"purpose"`
}

func (e ChangePasswordMessage) Type() string { return "user.password.change" }

// Validate will run validation rules. Password and confirmation
// equality is checked separately so it gets its own error.
func (e ChangePasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&e.ConfirmPassword, validation.Required),
		validation.Field(&e.Code, validation.Required, validation.Length(6, 6), is.Digit),
		validation.Field(&e.Purpose, validation.In(OtpPurposeForgotPassword, OtpPurposeEmailVerification)),
	)
}

// ChangePasswordHandler sets a new password once the caller proves
// control of the mailbox with a one time code.
type ChangePasswordHandler struct {
	repo         RepositoryManager
	otp          *OtpAuthenticator
	passwords    PasswordAuthenticator
	logger       Logger
	activitySink ActivitySink
}

func NewChangePasswordHandler(repo RepositoryManager, otp *OtpAuthenticator) *ChangePasswordHandler {
	return &ChangePasswordHandler{
		repo:         repo,
		otp:          otp,
		passwords:    BcryptAuthenticator{},
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (h *ChangePasswordHandler) WithPasswordAuthenticator(p PasswordAuthenticator) *ChangePasswordHandler {
	if p != nil {
		h.passwords = p
	}
	return h
}

func (h *ChangePasswordHandler) WithLogger(logger Logger) *ChangePasswordHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *ChangePasswordHandler) WithActivitySink(sink ActivitySink) *ChangePasswordHandler {
	h.activitySink = normalizeActivitySink(sink)
	return h
}

func (h *ChangePasswordHandler) Execute(ctx context.Context, event ChangePasswordMessage) (*User, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password change",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *ChangePasswordHandler) execute(ctx context.Context, event ChangePasswordMessage) (*User, error) {
	event.Email = normalizeEmail(event.Email)
	if event.Purpose == "" {
		event.Purpose = OtpPurposeForgotPassword
	}

	if err := event.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	if event.Password != event.ConfirmPassword {
		return nil, ErrPasswordMismatch
	}

	hash, err := h.passwords.HashPassword(event.Password)
	if err != nil {
		h.logger.Error("password hash failed", "error", err)
		return nil, asRichError(err, "user.password.change")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var user *User
	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.repo.Users().GetByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if isRecordNotFound(err) {
				return ErrInvalidOtp
			}
			return err
		}

		ok, err := h.otp.VerifyTx(ctx, tx, found.ID, event.Code, event.Purpose)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidOtp
		}

		if err := h.repo.Users().ResetPasswordTx(ctx, tx, found.ID, hash); err != nil {
			return err
		}

		user, err = h.repo.Users().FindByIDTx(ctx, tx, found.ID)
		return err
	})

	if err != nil {
		if goerrors.Is(err, ErrInvalidOtp) {
			h.logger.Info("password change rejected", "reason", "invalid otp")
			return nil, ErrInvalidOtp
		}
		h.logger.Error("password change failed", "error", err)
		return nil, NewInternalError(err, "user.password.change")
	}

	recordActivity(ctx, h.activitySink, h.logger, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		Actor:     userActor(user.ID.String()),
		UserID:    user.ID.String(),
		Metadata:  map[string]any{"purpose": event.Purpose},
	})

	return user, nil
}
