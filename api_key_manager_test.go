package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func strPtr(s string) *string { return &s }

func TestApiKeyManagerCreate(t *testing.T) {
	env := newTestEnv(t)
	sink := &recordingSink{}
	keys := env.apiKeys(WithApiKeyActivitySink(sink))

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{
		Host:            "  svc1 ",
		ApplicationName: "billing",
		Environment:     EnvironmentStaging,
	})
	require.NoError(t, err)

	assert.Equal(t, "svc1", inst.Host)
	assert.True(t, inst.IsActive)
	assert.Len(t, inst.APIKey, 43)
	assert.Nil(t, inst.APIKeyLastUsedAt)
	require.NotNil(t, inst.APIKeyCreatedAt)
	assert.Equal(t, env.clock.Now(), *inst.APIKeyCreatedAt)

	stored, err := keys.Get(env.ctx, inst.ID.String())
	require.NoError(t, err)
	assert.Equal(t, inst.APIKey, stored.APIKey)
	assert.Equal(t, EnvironmentStaging, stored.Environment)

	assert.Equal(t, []ActivityEventType{ActivityEventInstanceCreated}, sink.types())
}

func TestApiKeyManagerCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	keys := env.apiKeys()

	cases := []struct {
		name  string
		req   CreateInstanceRequest
		field string
	}{
		{name: "missing host", req: CreateInstanceRequest{}, field: "host"},
		{name: "blank host", req: CreateInstanceRequest{Host: "   "}, field: "host"},
		{name: "bad environment", req: CreateInstanceRequest{Host: "svc", Environment: 9}, field: "environment"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := keys.Create(env.ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, 400, StatusFor(err))

			fields := FieldErrors(err)
			require.Len(t, fields, 1)
			assert.Contains(t, fields[0], tc.field+":")
		})
	}

	list, err := keys.List(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApiKeyManagerCollidingCandidateIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	existing := env.seedInstance(t, "svc0")

	// first candidate equals the existing key, the second one is fresh
	keys := env.apiKeys(WithApiKeyRandom(&sequenceReader{chunks: [][]byte{
		mustDecodeKey(t, existing.APIKey),
		make([]byte, 32),
	}}))

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
	require.NoError(t, err)
	assert.NotEqual(t, existing.APIKey, inst.APIKey)
	assert.Equal(t, strings.Repeat("A", 43), inst.APIKey)
}

func TestApiKeyManagerRegenerate(t *testing.T) {
	env := newTestEnv(t)
	keys := env.apiKeys()

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
	require.NoError(t, err)
	k1 := inst.APIKey

	_, err = keys.LookupByKey(env.ctx, k1)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)

	k2, err := keys.Regenerate(env.ctx, inst.ID.String())
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	stored, err := keys.Get(env.ctx, inst.ID.String())
	require.NoError(t, err)
	assert.Equal(t, k2, stored.APIKey)
	assert.Nil(t, stored.APIKeyLastUsedAt)
	require.NotNil(t, stored.APIKeyCreatedAt)
	assert.True(t, stored.APIKeyCreatedAt.Equal(env.clock.Now()))

	_, err = keys.LookupByKey(env.ctx, k1)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	t.Run("unknown instance", func(t *testing.T) {
		_, err := keys.Regenerate(env.ctx, uuid.NewString())
		require.Error(t, err)
		assert.Equal(t, 404, StatusFor(err))
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := keys.Regenerate(env.ctx, "nope")
		require.Error(t, err)
		assert.Equal(t, 400, StatusFor(err))
	})
}

func TestApiKeyManagerLookupByKey(t *testing.T) {
	env := newTestEnv(t)
	keys := env.apiKeys()

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)

	found, err := keys.LookupByKey(env.ctx, inst.APIKey)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, found.ID)
	require.NotNil(t, found.APIKeyLastUsedAt)
	assert.True(t, found.APIKeyLastUsedAt.Equal(env.clock.Now()))

	stored, err := keys.Get(env.ctx, inst.ID.String())
	require.NoError(t, err)
	require.NotNil(t, stored.APIKeyLastUsedAt)
	assert.True(t, stored.APIKeyLastUsedAt.Equal(env.clock.Now()))

	t.Run("unknown key", func(t *testing.T) {
		_, err := keys.LookupByKey(env.ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := keys.LookupByKey(env.ctx, " ")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("inactive instance", func(t *testing.T) {
		_, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{IsActive: boolPtr(false)})
		require.NoError(t, err)

		_, err = keys.LookupByKey(env.ctx, inst.APIKey)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func boolPtr(b bool) *bool { return &b }

func TestApiKeyManagerUpdateIsPartial(t *testing.T) {
	env := newTestEnv(t)
	keys := env.apiKeys()

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{
		Host:            "svc1",
		ApplicationName: "billing",
		Description:     "invoices",
		LogPath:         "/var/log/billing",
	})
	require.NoError(t, err)

	updated, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{
		Description: strPtr("invoices and receipts"),
	})
	require.NoError(t, err)

	assert.Equal(t, "invoices and receipts", updated.Description)
	assert.Equal(t, "svc1", updated.Host)
	assert.Equal(t, "billing", updated.ApplicationName)
	assert.Equal(t, "/var/log/billing", updated.LogPath)
	assert.True(t, updated.IsActive)
	assert.Equal(t, inst.APIKey, updated.APIKey)

	t.Run("empty patch keeps everything", func(t *testing.T) {
		same, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{})
		require.NoError(t, err)
		assert.Equal(t, updated.Description, same.Description)
	})

	t.Run("blank host rejected", func(t *testing.T) {
		_, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{Host: strPtr("")})
		require.Error(t, err)
		assert.Equal(t, 400, StatusFor(err))
	})

	t.Run("whitespace host rejected", func(t *testing.T) {
		_, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{Host: strPtr("   ")})
		require.Error(t, err)
		assert.Equal(t, 400, StatusFor(err))

		stored, err := keys.Get(env.ctx, inst.ID.String())
		require.NoError(t, err)
		assert.Equal(t, "svc1", stored.Host)
	})

	t.Run("host is trimmed", func(t *testing.T) {
		moved, err := keys.Update(env.ctx, inst.ID.String(), UpdateInstanceRequest{Host: strPtr("  svc2 ")})
		require.NoError(t, err)
		assert.Equal(t, "svc2", moved.Host)
	})

	t.Run("unknown instance", func(t *testing.T) {
		_, err := keys.Update(env.ctx, uuid.NewString(), UpdateInstanceRequest{Description: strPtr("x")})
		require.Error(t, err)
		assert.Equal(t, 404, StatusFor(err))
	})
}

func TestApiKeyManagerDelete(t *testing.T) {
	env := newTestEnv(t)
	keys := env.apiKeys()
	user := env.seedUser(t, "a@x.com", "password123")
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger())

	inst, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
	require.NoError(t, err)
	require.NoError(t, guard.Assign(env.ctx, user.ID.String(), inst.ID.String()))

	require.NoError(t, keys.Delete(env.ctx, inst.ID.String()))

	_, err = keys.Get(env.ctx, inst.ID.String())
	assert.Equal(t, 404, StatusFor(err))

	linked, err := guard.HasAnyLink(env.ctx, user.ID.String())
	require.NoError(t, err)
	assert.False(t, linked)

	err = keys.Delete(env.ctx, inst.ID.String())
	require.Error(t, err)
	assert.Equal(t, 404, StatusFor(err))
}

func TestApiKeyManagerDeleteDropsLinksWithoutCascade(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.db.Exec("PRAGMA foreign_keys = OFF;")
	require.NoError(t, err)

	keys := env.apiKeys()
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger())
	user := env.seedUser(t, "a@x.com", "password123")
	inst := env.seedInstance(t, "svc1")
	other := env.seedInstance(t, "svc2")

	require.NoError(t, guard.Assign(env.ctx, user.ID.String(), inst.ID.String()))
	require.NoError(t, guard.Assign(env.ctx, user.ID.String(), other.ID.String()))

	require.NoError(t, keys.Delete(env.ctx, inst.ID.String()))

	n, err := env.repo.UserInstances().CountUsersTx(env.ctx, env.db, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := env.repo.UserInstances().ExistsTx(env.ctx, env.db, user.ID, other.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// flakyInstances fails the first writes with a unique violation, the
// way a concurrent writer that took the same key would
type flakyInstances struct {
	Instances
	failures int
	keys     []string
}

var errUniqueAPIKey = stderrors.New("UNIQUE constraint failed: instances.api_key")

func (f *flakyInstances) InsertTx(ctx context.Context, tx bun.IDB, record *Instance) error {
	f.keys = append(f.keys, record.APIKey)
	if f.failures > 0 {
		f.failures--
		return errUniqueAPIKey
	}
	return f.Instances.InsertTx(ctx, tx, record)
}

func (f *flakyInstances) ReplaceAPIKeyTx(ctx context.Context, tx bun.IDB, id uuid.UUID, key string, at time.Time) error {
	f.keys = append(f.keys, key)
	if f.failures > 0 {
		f.failures--
		return errUniqueAPIKey
	}
	return f.Instances.ReplaceAPIKeyTx(ctx, tx, id, key, at)
}

type instancesOverride struct {
	RepositoryManager
	instances Instances
}

func (r instancesOverride) Instances() Instances { return r.instances }

func newFlakyKeys(env *testEnv, failures int) (*ApiKeyManager, *flakyInstances) {
	flaky := &flakyInstances{Instances: env.repo.Instances(), failures: failures}
	repo := instancesOverride{RepositoryManager: env.repo, instances: flaky}
	return NewApiKeyManager(repo,
		WithApiKeyClock(env.clock.Now),
		WithApiKeyLogger(NoopLogger()),
	), flaky
}

func TestApiKeyManagerRetriesWriteCollision(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		env := newTestEnv(t)
		keys, flaky := newFlakyKeys(env, 1)

		inst, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
		require.NoError(t, err)

		require.Len(t, flaky.keys, 2)
		assert.NotEqual(t, flaky.keys[0], flaky.keys[1])
		assert.Equal(t, flaky.keys[1], inst.APIKey)

		list, err := keys.List(env.ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("regenerate", func(t *testing.T) {
		env := newTestEnv(t)
		seeded := env.seedInstance(t, "svc1")
		keys, flaky := newFlakyKeys(env, 1)

		key, err := keys.Regenerate(env.ctx, seeded.ID.String())
		require.NoError(t, err)

		require.Len(t, flaky.keys, 2)
		assert.Equal(t, flaky.keys[1], key)

		stored, err := keys.Get(env.ctx, seeded.ID.String())
		require.NoError(t, err)
		assert.Equal(t, key, stored.APIKey)
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		env := newTestEnv(t)
		keys, flaky := newFlakyKeys(env, apiKeyWriteAttempts)

		_, err := keys.Create(env.ctx, CreateInstanceRequest{Host: "svc1"})
		require.Error(t, err)
		assert.Equal(t, 500, StatusFor(err))
		assert.Len(t, flaky.keys, apiKeyWriteAttempts)
	})
}

func TestInstancesAPIKeyIsUnique(t *testing.T) {
	env := newTestEnv(t)
	existing := env.seedInstance(t, "svc1")

	now := env.clock.Now()
	err := env.repo.Instances().InsertTx(env.ctx, env.db, &Instance{
		ID:              uuid.New(),
		Host:            "svc2",
		APIKey:          existing.APIKey,
		IsActive:        true,
		APIKeyCreatedAt: &now,
		CreatedAt:       &now,
	})
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestInstanceJSONHidesKey(t *testing.T) {
	inst := Instance{Host: "svc1", APIKey: "secret-key"}
	out := mustJSON(t, inst)
	assert.NotContains(t, out, "secret-key")
	assert.NotContains(t, out, "api_key\"")
}
