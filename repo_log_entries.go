package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LogFilter narrows a log listing. A nil InstanceIDs means every
// instance, an empty one means none.
type LogFilter struct {
	InstanceIDs []uuid.UUID
	Level       string
	Limit       int
	Offset      int
}

// LogEntries stores log lines shipped by instances
type LogEntries interface {
	InsertTx(ctx context.Context, tx bun.IDB, record *LogEntry) error
	ListTx(ctx context.Context, tx bun.IDB, filter LogFilter) ([]*LogEntry, error)
	DeleteForInstanceTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int64, error)
}

type logEntries struct {
	db *bun.DB
}

var _ LogEntries = (*logEntries)(nil)

func NewLogEntriesRepository(db *bun.DB) LogEntries {
	return &logEntries{db: db}
}

func (r *logEntries) InsertTx(ctx context.Context, tx bun.IDB, record *LogEntry) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt == nil {
		now := time.Now().UTC()
		record.CreatedAt = &now
	}
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return err
}

// ListTx returns entries newest first
func (r *logEntries) ListTx(ctx context.Context, tx bun.IDB, filter LogFilter) ([]*LogEntry, error) {
	records := []*LogEntry{}
	if filter.InstanceIDs != nil && len(filter.InstanceIDs) == 0 {
		return records, nil
	}

	q := tx.NewSelect().Model(&records)

	if filter.InstanceIDs != nil {
		q.Where("?TableAlias.instance_id IN (?)", bun.In(filter.InstanceIDs))
	}

	if filter.Level != "" {
		q.Where("?TableAlias.level = ?", filter.Level)
	}

	if filter.Limit > 0 {
		q.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		q.Offset(filter.Offset)
	}

	err := q.
		OrderExpr("?TableAlias.timestamp DESC").
		OrderExpr("?TableAlias.created_at DESC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (r *logEntries) DeleteForInstanceTx(ctx context.Context, tx bun.IDB, instanceID uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		Model((*LogEntry)(nil)).
		Where("instance_id = ?", instanceID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
