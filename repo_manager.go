package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Instances() Instances
	UserInstances() UserInstances
	OtpCodes() OtpCodes
	LogEntries() LogEntries
}

type mngr struct {
	db            *bun.DB
	users         Users
	instances     Instances
	userInstances UserInstances
	otpCodes      OtpCodes
	logEntries    LogEntries
}

func NewRepositoryManager(db *bun.DB, opts ...UsersOption) RepositoryManager {
	return &mngr{
		db:            db,
		users:         NewUsersRepository(db, opts...),
		instances:     NewInstancesRepository(db),
		userInstances: NewUserInstancesRepository(db),
		otpCodes:      NewOtpCodesRepository(db),
		logEntries:    NewLogEntriesRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.instances == nil {
		return errors.New("repository instances should be initialized")
	}

	if m.userInstances == nil {
		return errors.New("repository userInstances should be initialized")
	}

	if m.otpCodes == nil {
		return errors.New("repository otpCodes should be initialized")
	}

	if m.logEntries == nil {
		return errors.New("repository logEntries should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Instances() Instances {
	return m.instances
}

func (m mngr) UserInstances() UserInstances {
	return m.userInstances
}

func (m mngr) OtpCodes() OtpCodes {
	return m.otpCodes
}

func (m mngr) LogEntries() LogEntries {
	return m.logEntries
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return repository.NewRecordNotFound()
	}

	return nil
}
