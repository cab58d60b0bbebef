package auth

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// UpdateUserRequest only changes the fields that are set
type UpdateUserRequest struct {
	FullName      *string `json:"full_name,omitempty"`
	Email         *string `json:"email,omitempty"`
	EmailVerified *bool   `json:"is_email_verified,omitempty"`
}

// Validate will run validation rules
func (r UpdateUserRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FullName, validation.Length(0, 200)),
		validation.Field(&r.Email, validation.NilOrNotEmpty, validation.Length(3, 254), is.Email),
	)
}

func (r UpdateUserRequest) normalized() UpdateUserRequest {
	if r.FullName != nil {
		name := strings.TrimSpace(*r.FullName)
		r.FullName = &name
	}
	if r.Email != nil {
		email := normalizeEmail(*r.Email)
		r.Email = &email
	}
	return r
}

// SetRolesRequest replaces the user's global roles
type SetRolesRequest struct {
	Roles []string `json:"roles"`
}

func (r SetRolesRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Roles, validation.Required, validation.By(validRoles)),
	)
}

// UserAdmin manages user accounts on behalf of admins
type UserAdmin struct {
	repo         RepositoryManager
	logger       Logger
	activitySink ActivitySink
}

func NewUserAdmin(repo RepositoryManager) *UserAdmin {
	return &UserAdmin{
		repo:         repo,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (a *UserAdmin) WithLogger(logger Logger) *UserAdmin {
	if logger != nil {
		a.logger = logger
	}
	return a
}

func (a *UserAdmin) WithActivitySink(sink ActivitySink) *UserAdmin {
	a.activitySink = normalizeActivitySink(sink)
	return a
}

func (a *UserAdmin) List(ctx context.Context) ([]*User, error) {
	records, err := a.repo.Users().ListAllTx(ctx, a.repo.DB())
	if err != nil {
		return nil, a.mapErr(err, "", "users.list")
	}
	return records, nil
}

// Get resolves a user by id or email
func (a *UserAdmin) Get(ctx context.Context, identifier string) (*User, error) {
	record, err := a.repo.Users().GetByIdentifierTx(ctx, a.repo.DB(), identifier)
	if err != nil {
		return nil, a.mapErr(err, identifier, "users.get")
	}
	return record, nil
}

// Update patches the profile. Changing the email to one already
// registered is a conflict.
func (a *UserAdmin) Update(ctx context.Context, id string, req UpdateUserRequest) (*User, error) {
	uid, err := parseID("user_id", id)
	if err != nil {
		return nil, err
	}

	req = req.normalized()
	if err := req.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	var record *User
	err = a.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := a.repo.Users().FindByIDTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		record = found

		if req.Email != nil && *req.Email != record.Email {
			if _, err := a.repo.Users().GetByEmailTx(ctx, tx, *req.Email); err == nil {
				return errEmailTaken()
			} else if !isRecordNotFound(err) {
				return err
			}
			record.Email = *req.Email
		}

		if req.FullName != nil {
			record.FullName = *req.FullName
		}
		if req.EmailVerified != nil {
			record.EmailVerified = *req.EmailVerified
		}

		return a.repo.Users().UpdateProfileTx(ctx, tx, record)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errEmailTaken()
		}
		return nil, a.mapErr(err, id, "users.update")
	}

	a.emit(ctx, ActivityEventUserUpdated, id, nil)
	return record, nil
}

// Roles returns the user's global roles
func (a *UserAdmin) Roles(ctx context.Context, id string) ([]string, error) {
	uid, err := parseID("user_id", id)
	if err != nil {
		return nil, err
	}

	record, err := a.repo.Users().FindByIDTx(ctx, a.repo.DB(), uid)
	if err != nil {
		return nil, a.mapErr(err, id, "users.roles")
	}
	return NormalizeRoles(record.Roles), nil
}

// SetRoles replaces the user's roles. Tokens already issued keep the
// roles they were minted with until they expire.
func (a *UserAdmin) SetRoles(ctx context.Context, id string, req SetRolesRequest) ([]string, error) {
	uid, err := parseID("user_id", id)
	if err != nil {
		return nil, err
	}

	cleaned := make([]string, 0, len(req.Roles))
	for _, role := range req.Roles {
		cleaned = append(cleaned, strings.ToLower(strings.TrimSpace(role)))
	}
	req.Roles = cleaned

	if err := req.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	roles := NormalizeRoles(req.Roles)
	err = a.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return a.repo.Users().SetRolesTx(ctx, tx, uid, roles)
	})
	if err != nil {
		return nil, a.mapErr(err, id, "users.set_roles")
	}

	a.emit(ctx, ActivityEventUserRolesChanged, id, map[string]any{"roles": roles})
	return roles, nil
}

// Delete removes the user with its instance links and codes
func (a *UserAdmin) Delete(ctx context.Context, id string) error {
	uid, err := parseID("user_id", id)
	if err != nil {
		return err
	}

	var deleted bool
	err = a.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := a.repo.UserInstances().DeleteForUserTx(ctx, tx, uid); err != nil {
			return err
		}
		if _, err := a.repo.OtpCodes().DeleteForUserTx(ctx, tx, uid); err != nil {
			return err
		}
		deleted, err = a.repo.Users().RemoveTx(ctx, tx, uid)
		return err
	})
	if err != nil {
		return a.mapErr(err, id, "users.delete")
	}

	if !deleted {
		return NewNotFoundError("user", id)
	}

	a.emit(ctx, ActivityEventUserDeleted, id, nil)
	return nil
}

func (a *UserAdmin) mapErr(err error, id, op string) error {
	if isRecordNotFound(err) {
		return NewNotFoundError("user", id)
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.Category != goerrors.CategoryInternal {
		return richErr
	}

	a.logger.Error("user admin operation failed", "operation", op, "id", id, "error", err)
	return NewInternalError(err, op)
}

func (a *UserAdmin) emit(ctx context.Context, eventType ActivityEventType, userID string, metadata map[string]any) {
	recordActivity(ctx, a.activitySink, a.logger, ActivityEvent{
		EventType: eventType,
		Actor:     ActorRef{Type: "system"},
		UserID:    userID,
		Metadata:  metadata,
	})
}

func errEmailTaken() *goerrors.Error {
	return goerrors.New("email already registered", goerrors.CategoryConflict).
		WithCode(goerrors.CodeConflict).
		WithTextCode(TextCodeConflict)
}
