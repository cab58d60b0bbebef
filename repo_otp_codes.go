package auth

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OtpCodes stores one time codes
type OtpCodes interface {
	InsertTx(ctx context.Context, tx bun.IDB, record *OtpCode) error
	ExpirePendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, purpose OtpPurpose) (int64, error)
	FindPendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, purpose OtpPurpose) ([]*OtpCode, error)
	ListTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, purpose OtpPurpose) ([]*OtpCode, error)
	TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to OtpStatus) (bool, error)
	DeleteForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int64, error)
}

type otpCodes struct {
	db *bun.DB
}

var _ OtpCodes = (*otpCodes)(nil)

func NewOtpCodesRepository(db *bun.DB) OtpCodes {
	return &otpCodes{db: db}
}

func (r *otpCodes) InsertTx(ctx context.Context, tx bun.IDB, record *OtpCode) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return err
}

// ExpirePendingTx supersedes every pending code for the pair
func (r *otpCodes) ExpirePendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, purpose OtpPurpose) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*OtpCode)(nil)).
		Set("status = ?", OtpStatusExpired).
		Where("user_id = ?", userID).
		Where("purpose = ?", purpose).
		Where("status = ?", OtpStatusPending).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindPendingTx returns pending matches, newest first. Expiry is left
// to the caller so it can use its own clock.
func (r *otpCodes) FindPendingTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, purpose OtpPurpose) ([]*OtpCode, error) {
	records := []*OtpCode{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.code = ?", code).
		Where("?TableAlias.purpose = ?", purpose).
		Where("?TableAlias.status = ?", OtpStatusPending).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (r *otpCodes) ListTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, purpose OtpPurpose) ([]*OtpCode, error) {
	records := []*OtpCode{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.purpose = ?", purpose).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

// TransitionTx moves a code from one status to another only if it is
// still in from. It reports whether this call made the change.
func (r *otpCodes) TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to OtpStatus) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*OtpCode)(nil)).
		Set("status = ?", to).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *otpCodes) DeleteForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		Model((*OtpCode)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
