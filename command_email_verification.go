package auth

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

type VerifyEmailMessage struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (e VerifyEmailMessage) Type() string { return "user.email.verify" }

func (e VerifyEmailMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Email, validation.Required, is.Email),
		validation.Field(&e.Code, validation.Required, validation.Length(6, 6), is.Digit),
	)
}

// VerifyEmailHandler consumes an email_verification code and flags the
// address as verified.
type VerifyEmailHandler struct {
	repo         RepositoryManager
	otp          *OtpAuthenticator
	logger       Logger
	activitySink ActivitySink
}

func NewVerifyEmailHandler(repo RepositoryManager, otp *OtpAuthenticator) *VerifyEmailHandler {
	return &VerifyEmailHandler{
		repo:         repo,
		otp:          otp,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (h *VerifyEmailHandler) WithLogger(logger Logger) *VerifyEmailHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *VerifyEmailHandler) WithActivitySink(sink ActivitySink) *VerifyEmailHandler {
	h.activitySink = normalizeActivitySink(sink)
	return h
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, event VerifyEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email verification",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, event VerifyEmailMessage) error {
	event.Email = normalizeEmail(event.Email)
	if err := event.Validate(); err != nil {
		return FromValidation(err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var userID string
	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := h.repo.Users().GetByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if isRecordNotFound(err) {
				return ErrInvalidOtp
			}
			return err
		}

		ok, err := h.otp.VerifyTx(ctx, tx, user.ID, event.Code, OtpPurposeEmailVerification)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidOtp
		}

		userID = user.ID.String()
		return h.repo.Users().MarkEmailVerifiedTx(ctx, tx, user.ID)
	})

	if err != nil {
		if goerrors.Is(err, ErrInvalidOtp) {
			h.logger.Info("email verification rejected", "reason", "invalid otp")
			return ErrInvalidOtp
		}
		h.logger.Error("email verification failed", "error", err)
		return NewInternalError(err, "user.email.verify")
	}

	recordActivity(ctx, h.activitySink, h.logger, ActivityEvent{
		EventType: ActivityEventEmailVerified,
		Actor:     userActor(userID),
		UserID:    userID,
	})

	return nil
}
