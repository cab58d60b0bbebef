package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserInstances stores the user to instance links
type UserInstances interface {
	ExistsTx(ctx context.Context, tx bun.IDB, userID, instanceID uuid.UUID) (bool, error)
	AnyForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (bool, error)
	LinkTx(ctx context.Context, tx bun.IDB, link *UserInstance) (bool, error)
	UnlinkTx(ctx context.Context, tx bun.IDB, userID, instanceID uuid.UUID) (bool, error)
	InstanceIDsTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]uuid.UUID, error)
	UsersOfTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) ([]*User, error)
	CountUsersTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int, error)
	DeleteForInstanceTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int64, error)
	DeleteForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int64, error)
}

type userInstances struct {
	db *bun.DB
}

var _ UserInstances = (*userInstances)(nil)

func NewUserInstancesRepository(db *bun.DB) UserInstances {
	return &userInstances{db: db}
}

func (r *userInstances) ExistsTx(ctx context.Context, tx bun.IDB, userID, instanceID uuid.UUID) (bool, error) {
	return tx.NewSelect().
		Model((*UserInstance)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.instance_id = ?", instanceID).
		Exists(ctx)
}

func (r *userInstances) AnyForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (bool, error) {
	return tx.NewSelect().
		Model((*UserInstance)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Exists(ctx)
}

// LinkTx inserts the pair unless it already exists. It reports whether
// a row was written.
func (r *userInstances) LinkTx(ctx context.Context, tx bun.IDB, link *UserInstance) (bool, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if link.CreatedAt == nil {
		now := time.Now().UTC()
		link.CreatedAt = &now
	}

	res, err := tx.NewInsert().
		Model(link).
		On("CONFLICT (user_id, instance_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *userInstances) UnlinkTx(ctx context.Context, tx bun.IDB, userID, instanceID uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*UserInstance)(nil)).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *userInstances) InstanceIDsTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := tx.NewSelect().
		Model((*UserInstance)(nil)).
		Column("instance_id").
		Where("?TableAlias.user_id = ?", userID).
		Scan(ctx, &ids)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return ids, nil
}

func (r *userInstances) UsersOfTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) ([]*User, error) {
	records := []*User{}
	err := tx.NewSelect().
		Model(&records).
		Join(`JOIN user_instances AS usi ON usi.user_id = "usr"."id"`).
		Where("usi.instance_id = ?", instanceID).
		Order("usr.email ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (r *userInstances) CountUsersTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int, error) {
	return tx.NewSelect().
		Model((*UserInstance)(nil)).
		Where("?TableAlias.instance_id = ?", instanceID).
		Count(ctx)
}

// DeleteForInstanceTx drops every link to the instance. It does not rely
// on ON DELETE CASCADE, sqlite only honors it with foreign_keys on.
func (r *userInstances) DeleteForInstanceTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int64, error) {
	return r.deleteWhere(ctx, tx, "instance_id", instanceID)
}

func (r *userInstances) DeleteForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (int64, error) {
	return r.deleteWhere(ctx, tx, "user_id", userID)
}

func (r *userInstances) deleteWhere(ctx context.Context, tx bun.IDB, column string, id uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		Model((*UserInstance)(nil)).
		Where("? = ?", bun.Ident(column), id).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
