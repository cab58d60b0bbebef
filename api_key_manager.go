package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	apiKeyCandidateAttempts = 5
	apiKeyWriteAttempts     = 3
)

// CreateInstanceRequest is the draft for a new instance
type CreateInstanceRequest struct {
	ApplicationName string          `json:"application_name"`
	Host            string          `json:"host"`
	Description     string          `json:"description"`
	LogPath         string          `json:"log_path"`
	Environment     EnvironmentType `json:"environment"`
}

// Validate will run validation rules
func (r CreateInstanceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Host, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.ApplicationName, validation.Length(0, 200)),
		validation.Field(&r.Description, validation.Length(0, 1000)),
		validation.Field(&r.LogPath, validation.Length(0, 500)),
		validation.Field(&r.Environment, validation.By(validEnvironment)),
	)
}

// UpdateInstanceRequest only changes the fields that are set
type UpdateInstanceRequest struct {
	ApplicationName *string          `json:"application_name,omitempty"`
	Host            *string          `json:"host,omitempty"`
	Description     *string          `json:"description,omitempty"`
	LogPath         *string          `json:"log_path,omitempty"`
	Environment     *EnvironmentType `json:"environment,omitempty"`
	IsActive        *bool            `json:"is_active,omitempty"`
}

// Validate will run validation rules
func (r UpdateInstanceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Host, validation.NilOrNotEmpty, validation.Length(1, 255)),
		validation.Field(&r.ApplicationName, validation.Length(0, 200)),
		validation.Field(&r.Description, validation.Length(0, 1000)),
		validation.Field(&r.LogPath, validation.Length(0, 500)),
		validation.Field(&r.Environment, validation.By(validEnvironment)),
	)
}

// normalized trims the host so validation sees the value that is stored
func (r UpdateInstanceRequest) normalized() UpdateInstanceRequest {
	if r.Host != nil {
		host := strings.TrimSpace(*r.Host)
		r.Host = &host
	}
	return r
}

func (r UpdateInstanceRequest) patch() InstancePatch {
	return InstancePatch{
		ApplicationName: r.ApplicationName,
		Host:            r.Host,
		Description:     r.Description,
		LogPath:         r.LogPath,
		Environment:     r.Environment,
		IsActive:        r.IsActive,
	}
}

var errInvalidEnvironment = stderrors.New("must be development, staging or production")

func validEnvironment(value any) error {
	var env EnvironmentType
	switch v := value.(type) {
	case EnvironmentType:
		env = v
	case *EnvironmentType:
		if v == nil {
			return nil
		}
		env = *v
	default:
		return nil
	}
	if !env.IsValid() {
		return errInvalidEnvironment
	}
	return nil
}

// ApiKeyManager owns instances and their API keys
type ApiKeyManager struct {
	repo         RepositoryManager
	random       RandomSource
	clock        Clock
	logger       Logger
	activitySink ActivitySink
}

type ApiKeyOption func(*ApiKeyManager)

func WithApiKeyClock(clock Clock) ApiKeyOption {
	return func(m *ApiKeyManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithApiKeyRandom(src RandomSource) ApiKeyOption {
	return func(m *ApiKeyManager) {
		if src != nil {
			m.random = src
		}
	}
}

func WithApiKeyLogger(logger Logger) ApiKeyOption {
	return func(m *ApiKeyManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithApiKeyActivitySink(sink ActivitySink) ApiKeyOption {
	return func(m *ApiKeyManager) {
		m.activitySink = normalizeActivitySink(sink)
	}
}

func NewApiKeyManager(repo RepositoryManager, opts ...ApiKeyOption) *ApiKeyManager {
	m := &ApiKeyManager{
		repo:         repo,
		random:       defaultRandomSource(),
		clock:        systemClock,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create validates the draft and stores an active instance with a fresh
// key. The returned record is the only place the key is exposed.
func (m *ApiKeyManager) Create(ctx context.Context, req CreateInstanceRequest) (*Instance, error) {
	req.Host = strings.TrimSpace(req.Host)
	if err := req.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	var record *Instance
	err := m.withFreshKey(ctx, "", "instance.create", func(ctx context.Context, tx bun.Tx, key string) error {
		now := m.clock()
		record = &Instance{
			ID:              uuid.New(),
			ApplicationName: req.ApplicationName,
			Host:            req.Host,
			Description:     req.Description,
			LogPath:         req.LogPath,
			Environment:     req.Environment,
			APIKey:          key,
			IsActive:        true,
			APIKeyCreatedAt: &now,
			CreatedAt:       &now,
		}
		return m.repo.Instances().InsertTx(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	m.emit(ctx, ActivityEventInstanceCreated, record.ID.String(), map[string]any{"host": record.Host})
	return record, nil
}

// LookupByKey resolves an active instance and stamps its last use
func (m *ApiKeyManager) LookupByKey(ctx context.Context, key string) (*Instance, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidCredential
	}

	var record *Instance
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := m.repo.Instances().GetByAPIKeyTx(ctx, tx, key)
		if err != nil {
			return err
		}

		if !found.IsActive {
			return ErrInvalidCredential
		}

		now := m.clock()
		if err := m.repo.Instances().TouchAPIKeyTx(ctx, tx, found.ID, now); err != nil {
			return err
		}
		found.APIKeyLastUsedAt = &now
		record = found
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidCredential) || isRecordNotFound(err) {
			m.logger.Info("api key rejected", "reason", "unknown or inactive")
			return nil, ErrInvalidCredential
		}
		m.logger.Error("api key lookup failed", "error", err)
		return nil, NewInternalError(err, "instance.lookup")
	}

	return record, nil
}

// Regenerate replaces the key and clears its last use. The new key is
// returned once.
func (m *ApiKeyManager) Regenerate(ctx context.Context, id string) (string, error) {
	instanceID, err := parseID("instance_id", id)
	if err != nil {
		return "", err
	}

	var newKey string
	err = m.withFreshKey(ctx, id, "instance.regenerate", func(ctx context.Context, tx bun.Tx, key string) error {
		if _, err := m.repo.Instances().FindByIDTx(ctx, tx, instanceID); err != nil {
			return err
		}
		if err := m.repo.Instances().ReplaceAPIKeyTx(ctx, tx, instanceID, key, m.clock()); err != nil {
			return err
		}
		newKey = key
		return nil
	})
	if err != nil {
		return "", err
	}

	m.emit(ctx, ActivityEventAPIKeyRegenerated, id, nil)
	return newKey, nil
}

// Update applies only the fields present in req
func (m *ApiKeyManager) Update(ctx context.Context, id string, req UpdateInstanceRequest) (*Instance, error) {
	instanceID, err := parseID("instance_id", id)
	if err != nil {
		return nil, err
	}

	req = req.normalized()
	if err := req.Validate(); err != nil {
		return nil, FromValidation(err)
	}

	patch := req.patch()

	var record *Instance
	err = m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repo.Instances().FindByIDTx(ctx, tx, instanceID); err != nil {
			return err
		}

		if !patch.IsEmpty() {
			if err := m.repo.Instances().ApplyPatchTx(ctx, tx, instanceID, patch, m.clock()); err != nil {
				return err
			}
		}

		record, err = m.repo.Instances().FindByIDTx(ctx, tx, instanceID)
		return err
	})
	if err != nil {
		return nil, m.mapErr(err, id, "instance.update")
	}

	m.emit(ctx, ActivityEventInstanceUpdated, id, nil)
	return record, nil
}

// Get returns the instance, never its key
func (m *ApiKeyManager) Get(ctx context.Context, id string) (*Instance, error) {
	instanceID, err := parseID("instance_id", id)
	if err != nil {
		return nil, err
	}

	record, err := m.repo.Instances().FindByIDTx(ctx, m.db(), instanceID)
	if err != nil {
		return nil, m.mapErr(err, id, "instance.get")
	}
	return record, nil
}

func (m *ApiKeyManager) List(ctx context.Context) ([]*Instance, error) {
	records, err := m.repo.Instances().ListAllTx(ctx, m.db())
	if err != nil {
		m.logger.Error("instance list failed", "error", err)
		return nil, NewInternalError(err, "instance.list")
	}
	return records, nil
}

// Delete removes the instance and every row referencing it in one
// transaction
func (m *ApiKeyManager) Delete(ctx context.Context, id string) error {
	instanceID, err := parseID("instance_id", id)
	if err != nil {
		return err
	}

	var deleted bool
	err = m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repo.UserInstances().DeleteForInstanceTx(ctx, tx, instanceID); err != nil {
			return err
		}
		if _, err := m.repo.LogEntries().DeleteForInstanceTx(ctx, tx, instanceID); err != nil {
			return err
		}
		deleted, err = m.repo.Instances().DeleteByIDTx(ctx, tx, instanceID)
		return err
	})
	if err != nil {
		return m.mapErr(err, id, "instance.delete")
	}

	if !deleted {
		return NewNotFoundError("instance", id)
	}

	m.emit(ctx, ActivityEventInstanceDeleted, id, nil)
	return nil
}

// withFreshKey finds a key nobody uses yet and hands it to write inside a
// transaction. A unique violation on write means another writer took the
// key in between, so we start over with a new candidate.
func (m *ApiKeyManager) withFreshKey(ctx context.Context, id, op string, write func(ctx context.Context, tx bun.Tx, key string) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var err error
	for attempt := 1; attempt <= apiKeyWriteAttempts; attempt++ {
		err = m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			key, err := m.uniqueCandidate(ctx, tx)
			if err != nil {
				return err
			}
			return write(ctx, tx, key)
		})

		if err == nil || !isUniqueViolation(err) {
			break
		}

		m.logger.Warn("api key collided on write, retrying", "operation", op, "attempt", attempt)
	}

	if err != nil {
		return m.mapErr(err, id, op)
	}
	return nil
}

func (m *ApiKeyManager) uniqueCandidate(ctx context.Context, tx bun.IDB) (string, error) {
	for i := 0; i < apiKeyCandidateAttempts; i++ {
		key, err := GenerateAPIKey(m.random)
		if err != nil {
			return "", err
		}

		exists, err := m.repo.Instances().APIKeyExistsTx(ctx, tx, key)
		if err != nil {
			return "", err
		}

		if !exists {
			return key, nil
		}
	}

	return "", errors.New("could not generate a unique api key", errors.CategoryConflict).
		WithCode(errors.CodeConflict).
		WithTextCode(TextCodeConflict)
}

func (m *ApiKeyManager) mapErr(err error, id, op string) error {
	if isRecordNotFound(err) {
		return NewNotFoundError("instance", id)
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) && richErr.Category != errors.CategoryInternal {
		return richErr
	}

	m.logger.Error("instance operation failed", "operation", op, "id", id, "error", err)
	return NewInternalError(err, op)
}

func (m *ApiKeyManager) db() bun.IDB {
	return m.repo.DB()
}

func (m *ApiKeyManager) emit(ctx context.Context, eventType ActivityEventType, instanceID string, metadata map[string]any) {
	recordActivity(ctx, m.activitySink, m.logger, ActivityEvent{
		EventType:  eventType,
		Actor:      ActorRef{Type: "system"},
		InstanceID: instanceID,
		Metadata:   metadata,
	})
}
