package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ResetUserPasswordSQL = `UPDATE "users"
SET
	"password_hash" = ?,
	"refresh_token" = NULL,
	"refresh_token_expiry" = NULL,
	"updated_at" = ?
WHERE
	"id" = ?
RETURNING *;`

type Users interface {
	repository.Repository[*User]

	Register(ctx context.Context, user *User) (*User, error)
	RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error)

	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)

	SetRefreshToken(ctx context.Context, id uuid.UUID, token string, expiry time.Time) error
	SetRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, token string, expiry time.Time) error
	RotateRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, current, next string, expiry time.Time) (bool, error)
	ClearRefreshToken(ctx context.Context, id uuid.UUID) error
	ClearRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error

	ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error

	ListAllTx(ctx context.Context, tx bun.IDB) ([]*User, error)
	UpdateProfileTx(ctx context.Context, tx bun.IDB, record *User) error
	SetRolesTx(ctx context.Context, tx bun.IDB, id uuid.UUID, roles []string) error
	RemoveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (bool, error)
}

type users struct {
	repository.Repository[*User]
	db    *bun.DB
	clock Clock
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

type UsersOption func(*users)

// WithUsersClock sets the clock used for timestamp columns
func WithUsersClock(clock Clock) UsersOption {
	return func(u *users) {
		if clock != nil {
			u.clock = clock
		}
	}
}

func NewUsersRepository(db *bun.DB, opts ...UsersOption) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
		GetIdentifierValue: func(u *User) string {
			if u == nil {
				return ""
			}
			return u.Email
		},
	})

	repoUsers := &users{
		Repository: repo,
		db:         db,
		clock:      systemClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repoUsers)
		}
	}

	return repoUsers
}

func (a *users) Register(ctx context.Context, user *User) (*User, error) {
	return a.RegisterTx(ctx, a.db, user)
}

func (a *users) RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	return a.CreateTx(ctx, tx, user)
}

func (a *users) Create(ctx context.Context, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, record *User, criteria ...repository.InsertCriteria) (*User, error) {
	prepareUserDefaults(record, a.clock())
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

// GetByIdentifier resolves a user by id or email
func (a *users) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

func (a *users) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*User, error) {
	for _, opt := range resolveUserIdentifier(identifier) {
		record := &User{}
		q := tx.NewSelect().Model(record)

		for _, c := range criteria {
			q.Apply(c)
		}

		err := q.
			Where(fmt.Sprintf("?TableAlias.%s = ?", opt.column), opt.value).
			Limit(1).
			Scan(ctx)

		if err != nil {
			if repository.IsRecordNotFound(err) {
				continue
			}
			return nil, err
		}

		return record, nil
	}

	return nil, repository.NewRecordNotFound().
		WithMetadata(map[string]any{
			"identifier": identifier,
		})
}

func (a *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.findOneTx(ctx, tx, "email", normalizeEmail(email))
}

func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	return a.findOneTx(ctx, tx, "id", id)
}

func (a *users) GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	if token == "" {
		return nil, repository.NewRecordNotFound()
	}
	return a.findOneTx(ctx, tx, "refresh_token", token)
}

func (a *users) findOneTx(ctx context.Context, tx bun.IDB, column string, value any) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where(fmt.Sprintf("?TableAlias.%s = ?", column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					column: fmt.Sprint(value),
				})
		}
		return nil, err
	}
	return record, nil
}

func (a *users) SetRefreshToken(ctx context.Context, id uuid.UUID, token string, expiry time.Time) error {
	return a.SetRefreshTokenTx(ctx, a.db, id, token, expiry)
}

// SetRefreshTokenTx writes token and expiry in a single statement
func (a *users) SetRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, token string, expiry time.Time) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", token).
		Set("refresh_token_expiry = ?", expiry).
		Set("updated_at = ?", a.clock()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

// RotateRefreshTokenTx swaps current for next only if current is still
// the stored token. It reports false when another writer won.
func (a *users) RotateRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID, current, next string, expiry time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = ?", next).
		Set("refresh_token_expiry = ?", expiry).
		Set("updated_at = ?", a.clock()).
		Where("id = ?", id).
		Where("refresh_token = ?", current).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (a *users) ClearRefreshToken(ctx context.Context, id uuid.UUID) error {
	return a.ClearRefreshTokenTx(ctx, a.db, id)
}

func (a *users) ClearRefreshTokenTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("refresh_token = NULL").
		Set("refresh_token_expiry = NULL").
		Set("updated_at = ?", a.clock()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (a *users) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return a.ResetPasswordTx(ctx, a.db, id, passwordHash)
}

// ResetPasswordTx stores the new hash and drops any refresh token
func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	res, err := a.Repository.RawTx(ctx, tx, ResetUserPasswordSQL, passwordHash, a.clock(), id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (a *users) MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("is_email_verified = ?", true).
		Set("updated_at = ?", a.clock()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (a *users) ListAllTx(ctx context.Context, tx bun.IDB) ([]*User, error) {
	records := []*User{}
	err := tx.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.email ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

// UpdateProfileTx writes the editable profile columns of record
func (a *users) UpdateProfileTx(ctx context.Context, tx bun.IDB, record *User) error {
	now := a.clock()
	record.Email = normalizeEmail(record.Email)
	record.UpdatedAt = &now

	res, err := tx.NewUpdate().
		Model(record).
		Column("full_name", "email", "is_email_verified", "updated_at").
		WherePK().
		Exec(ctx)
	return expectOneRow(res, err)
}

func (a *users) SetRolesTx(ctx context.Context, tx bun.IDB, id uuid.UUID, roles []string) error {
	now := a.clock()
	record := &User{ID: id, Roles: NormalizeRoles(roles), UpdatedAt: &now}

	res, err := tx.NewUpdate().
		Model(record).
		Column("roles", "updated_at").
		WherePK().
		Exec(ctx)
	return expectOneRow(res, err)
}

// RemoveTx deletes the user row only. Callers drop dependent rows first.
func (a *users) RemoveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func prepareUserDefaults(record *User, now time.Time) {
	if record == nil {
		return
	}

	record.Email = normalizeEmail(record.Email)
	record.Roles = NormalizeRoles(record.Roles)

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}

	if record.UpdatedAt == nil {
		record.UpdatedAt = &now
	}
}

type identifierOption struct {
	column string
	value  string
}

func resolveUserIdentifier(identifier string) []identifierOption {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil
	}

	options := make([]identifierOption, 0, 2)

	if isUUID(trimmed) {
		options = append(options, identifierOption{
			column: "id",
			value:  trimmed,
		})
	}

	if isEmail(trimmed) {
		options = append(options, identifierOption{
			column: "email",
			value:  normalizeEmail(trimmed),
		})
	}

	return options
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
