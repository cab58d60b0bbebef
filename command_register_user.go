package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

type RegisterUserMessage struct {
	FullName  string   `json:"full_name"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Roles     []string `json:"roles"`
	UseHashid bool     `json:"-"`
}

func (e RegisterUserMessage) Type() string { return "user.register" }

// Validate will run validation rules
func (e RegisterUserMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FullName, validation.Length(0, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 72)),
		validation.Field(&e.Roles, validation.By(validRoles)),
	)
}

func validRoles(value any) error {
	roles, _ := value.([]string)
	for _, role := range roles {
		if !IsValidRole(role) {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	return nil
}

// RegisterUserHandler creates users. Admin only at the HTTP layer.
type RegisterUserHandler struct {
	repo         RepositoryManager
	passwords    PasswordAuthenticator
	logger       Logger
	activitySink ActivitySink
}

func NewRegisterUserHandler(repo RepositoryManager) *RegisterUserHandler {
	return &RegisterUserHandler{
		repo:         repo,
		passwords:    BcryptAuthenticator{},
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (h *RegisterUserHandler) WithPasswordAuthenticator(p PasswordAuthenticator) *RegisterUserHandler {
	if p != nil {
		h.passwords = p
	}
	return h
}

func (h *RegisterUserHandler) WithLogger(logger Logger) *RegisterUserHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

func (h *RegisterUserHandler) WithActivitySink(sink ActivitySink) *RegisterUserHandler {
	h.activitySink = normalizeActivitySink(sink)
	return h
}

// Execute registers the user and returns the stored record
func (h *RegisterUserHandler) Execute(ctx context.Context, event RegisterUserMessage) (*User, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during user registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterUserHandler) execute(ctx context.Context, event RegisterUserMessage) (*User, error) {
	event.Email = normalizeEmail(event.Email)
	event.FullName = strings.TrimSpace(event.FullName)

	if err := event.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	hash, err := h.passwords.HashPassword(event.Password)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		h.logger.Error("password hash failed", "error", err)
		return nil, NewInternalError(err, "user.register")
	}

	user := &User{
		FullName:     event.FullName,
		Email:        event.Email,
		PasswordHash: hash,
		Roles:        NormalizeRoles(event.Roles),
	}

	if event.UseHashid {
		if id, err := hashid.NewUUID(event.Email); err == nil {
			user.ID = id
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.repo.Users().GetByEmailTx(ctx, tx, event.Email); err == nil {
			return errEmailTaken()
		} else if !isRecordNotFound(err) {
			return err
		}

		user, err = h.repo.Users().RegisterTx(ctx, tx, user)
		return err
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryConflict {
			return nil, richErr
		}
		if isUniqueViolation(err) {
			return nil, errEmailTaken()
		}
		h.logger.Error("user registration failed", "error", err)
		return nil, NewInternalError(err, "user.register")
	}

	recordActivity(ctx, h.activitySink, h.logger, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     ActorRef{Type: "system"},
		UserID:    user.ID.String(),
		Metadata:  map[string]any{"roles": user.Roles},
	})

	return user, nil
}
