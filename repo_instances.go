package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// InstancePatch lists the columns to change, nil fields are left as is
type InstancePatch struct {
	ApplicationName *string
	Host            *string
	Description     *string
	LogPath         *string
	Environment     *EnvironmentType
	IsActive        *bool
}

// IsEmpty reports whether the patch would change nothing
func (p InstancePatch) IsEmpty() bool {
	return p.ApplicationName == nil &&
		p.Host == nil &&
		p.Description == nil &&
		p.LogPath == nil &&
		p.Environment == nil &&
		p.IsActive == nil
}

type Instances interface {
	repository.Repository[*Instance]

	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Instance, error)
	GetByAPIKeyTx(ctx context.Context, tx bun.IDB, key string) (*Instance, error)
	APIKeyExistsTx(ctx context.Context, tx bun.IDB, key string) (bool, error)
	ListAllTx(ctx context.Context, tx bun.IDB) ([]*Instance, error)
	ListByIDsTx(ctx context.Context, tx bun.IDB, ids []uuid.UUID) ([]*Instance, error)

	InsertTx(ctx context.Context, tx bun.IDB, record *Instance) error
	ApplyPatchTx(ctx context.Context, tx bun.IDB, id uuid.UUID, patch InstancePatch, at time.Time) error
	ReplaceAPIKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, key string, at time.Time) error
	TouchAPIKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	DeleteByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (bool, error)
}

type instances struct {
	repository.Repository[*Instance]
	db *bun.DB
}

var _ Instances = (*instances)(nil)

func NewInstancesRepository(db *bun.DB) Instances {
	repo := repository.NewRepository[*Instance](db, repository.ModelHandlers[*Instance]{
		NewRecord: func() *Instance { return &Instance{} },
		GetID: func(i *Instance) uuid.UUID {
			if i == nil {
				return uuid.Nil
			}
			return i.ID
		},
		SetID: func(i *Instance, id uuid.UUID) {
			if i != nil {
				i.ID = id
			}
		},
		GetIdentifier: func() string {
			return "api_key"
		},
		GetIdentifierValue: func(i *Instance) string {
			if i == nil {
				return ""
			}
			return i.APIKey
		},
	})

	return &instances{
		Repository: repo,
		db:         db,
	}
}

func (r *instances) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Instance, error) {
	record := &Instance{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"id": id.String(),
				})
		}
		return nil, err
	}
	return record, nil
}

func (r *instances) GetByAPIKeyTx(ctx context.Context, tx bun.IDB, key string) (*Instance, error) {
	return r.Repository.GetByIdentifierTx(ctx, tx, key)
}

func (r *instances) APIKeyExistsTx(ctx context.Context, tx bun.IDB, key string) (bool, error) {
	return tx.NewSelect().
		Model((*Instance)(nil)).
		Where("?TableAlias.api_key = ?", key).
		Exists(ctx)
}

func (r *instances) ListAllTx(ctx context.Context, tx bun.IDB) ([]*Instance, error) {
	records := []*Instance{}
	err := tx.NewSelect().
		Model(&records).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (r *instances) ListByIDsTx(ctx context.Context, tx bun.IDB, ids []uuid.UUID) ([]*Instance, error) {
	records := []*Instance{}
	if len(ids) == 0 {
		return records, nil
	}

	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.id IN (?)", bun.In(ids)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

// InsertTx writes every column, including false and zero values
func (r *instances) InsertTx(ctx context.Context, tx bun.IDB, record *Instance) error {
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return err
}

func (r *instances) ApplyPatchTx(ctx context.Context, tx bun.IDB, id uuid.UUID, patch InstancePatch, at time.Time) error {
	q := tx.NewUpdate().
		Model((*Instance)(nil)).
		Set("updated_at = ?", at).
		Where("id = ?", id)

	if patch.ApplicationName != nil {
		q = q.Set("application_name = ?", *patch.ApplicationName)
	}
	if patch.Host != nil {
		q = q.Set("host = ?", *patch.Host)
	}
	if patch.Description != nil {
		q = q.Set("description = ?", *patch.Description)
	}
	if patch.LogPath != nil {
		q = q.Set("log_path = ?", *patch.LogPath)
	}
	if patch.Environment != nil {
		q = q.Set("environment = ?", int(*patch.Environment))
	}
	if patch.IsActive != nil {
		q = q.Set("is_active = ?", *patch.IsActive)
	}

	return expectOneRow(q.Exec(ctx))
}

// ReplaceAPIKeyTx swaps the key, stamps creation and clears last use
func (r *instances) ReplaceAPIKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, key string, at time.Time) error {
	return expectOneRow(tx.NewUpdate().
		Model((*Instance)(nil)).
		Set("api_key = ?", key).
		Set("api_key_created_at = ?", at).
		Set("api_key_last_used_at = NULL").
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Exec(ctx))
}

func (r *instances) TouchAPIKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	return expectOneRow(tx.NewUpdate().
		Model((*Instance)(nil)).
		Set("api_key_last_used_at = ?", at).
		Where("id = ?", id).
		Exec(ctx))
}

func (r *instances) DeleteByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (bool, error) {
	res, err := tx.NewDelete().
		Model((*Instance)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
