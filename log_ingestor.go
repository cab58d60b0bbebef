package auth

import (
	"context"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	defaultLogPageSize = 100
	maxLogPageSize     = 1000
)

// LogEntryRequest is a single log line as sent by an instance
type LogEntryRequest struct {
	Timestamp     *time.Time       `json:"timestamp,omitempty"`
	Level         string           `json:"level"`
	Environment   string           `json:"environment,omitempty"`
	Application   string           `json:"application,omitempty"`
	Service       string           `json:"service,omitempty"`
	Message       string           `json:"message"`
	SourceServer  LogSourceServer  `json:"source_server"`
	TraceID       string           `json:"trace_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Request       LogRequestInfo   `json:"request"`
	Exception     LogExceptionInfo `json:"exception"`
}

// Validate will run validation rules
func (r LogEntryRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Level, validation.Required, validation.Length(1, 32)),
		validation.Field(&r.Message, validation.Required, validation.Length(1, 10000)),
		validation.Field(&r.Environment, validation.Length(0, 64)),
		validation.Field(&r.Application, validation.Length(0, 200)),
		validation.Field(&r.Service, validation.Length(0, 200)),
	)
}

// LogIngestRequest wraps the entry the way log shippers post it
type LogIngestRequest struct {
	Entry *LogEntryRequest `json:"entry"`
}

// LogQuery is the listing window requested by a caller
type LogQuery struct {
	InstanceID string
	Level      string
	Limit      int
	Offset     int
}

// LogIngestor stores log lines for API key callers and lists them for
// users linked to the owning instance
type LogIngestor struct {
	repo   RepositoryManager
	clock  Clock
	logger Logger
}

type LogIngestorOption func(*LogIngestor)

func WithLogIngestorClock(clock Clock) LogIngestorOption {
	return func(l *LogIngestor) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithLogIngestorLogger(logger Logger) LogIngestorOption {
	return func(l *LogIngestor) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLogIngestor(repo RepositoryManager, opts ...LogIngestorOption) *LogIngestor {
	l := &LogIngestor{
		repo:   repo,
		clock:  systemClock,
		logger: defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Ingest stores the entry under instance. Whatever instance the body
// claims is ignored.
func (l *LogIngestor) Ingest(ctx context.Context, instance *Instance, req LogIngestRequest) (*LogEntry, error) {
	if instance == nil {
		return nil, ErrInvalidCredential
	}

	if req.Entry == nil {
		return nil, NewValidationError("log entry is empty or malformed", nil)
	}

	entry := *req.Entry
	entry.Level = strings.ToLower(strings.TrimSpace(entry.Level))
	if err := entry.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	now := l.clock()
	record := &LogEntry{
		InstanceID:    instance.ID,
		Timestamp:     now,
		Level:         entry.Level,
		Environment:   entry.Environment,
		Application:   entry.Application,
		Service:       entry.Service,
		Message:       entry.Message,
		SourceServer:  entry.SourceServer,
		Request:       entry.Request,
		Exception:     entry.Exception,
		TraceID:       entry.TraceID,
		CorrelationID: entry.CorrelationID,
		CreatedAt:     &now,
	}
	if entry.Timestamp != nil && !entry.Timestamp.IsZero() {
		record.Timestamp = entry.Timestamp.UTC()
	}

	if err := l.repo.LogEntries().InsertTx(ctx, l.repo.DB(), record); err != nil {
		l.logger.Error("log ingest failed", "instance_id", instance.ID, "error", err)
		return nil, NewInternalError(err, "logs.ingest")
	}

	return record, nil
}

// List returns entries the caller may read. Admins read every
// instance, everyone else only the instances they are linked to.
func (l *LogIngestor) List(ctx context.Context, caller Caller, query LogQuery) ([]*LogEntry, error) {
	filter := LogFilter{
		Level:  strings.ToLower(strings.TrimSpace(query.Level)),
		Limit:  query.Limit,
		Offset: query.Offset,
	}

	if filter.Limit <= 0 {
		filter.Limit = defaultLogPageSize
	}
	if filter.Limit > maxLogPageSize {
		filter.Limit = maxLogPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	db := l.repo.DB()

	if !caller.IsAdmin() {
		uid, err := parseID("user_id", caller.UserID)
		if err != nil {
			return nil, ErrInvalidCredential
		}

		ids, err := l.repo.UserInstances().InstanceIDsTx(ctx, db, uid)
		if err != nil {
			return nil, l.internal(err, caller)
		}
		filter.InstanceIDs = ids
	}

	if query.InstanceID != "" {
		iid, err := parseID("instance_id", query.InstanceID)
		if err != nil {
			return nil, err
		}
		if filter.InstanceIDs != nil && !slices.Contains(filter.InstanceIDs, iid) {
			return nil, ErrAccessDenied
		}
		filter.InstanceIDs = []uuid.UUID{iid}
	}

	records, err := l.repo.LogEntries().ListTx(ctx, db, filter)
	if err != nil {
		return nil, l.internal(err, caller)
	}
	return records, nil
}

func (l *LogIngestor) internal(err error, caller Caller) error {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr
	}
	l.logger.Error("log listing failed", "user_id", caller.UserID, "error", err)
	return NewInternalError(err, "logs.list")
}
