package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkCount(t *testing.T, env *testEnv, user *User, inst *Instance) int {
	t.Helper()
	n, err := env.db.NewSelect().
		Model((*UserInstance)(nil)).
		Where("user_id = ?", user.ID).
		Where("instance_id = ?", inst.ID).
		Count(env.ctx)
	require.NoError(t, err)
	return n
}

func TestAccessGuardAssignIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	inst := env.seedInstance(t, "svc1")
	sink := &recordingSink{}
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger()).WithActivitySink(sink)

	uid, iid := user.ID.String(), inst.ID.String()

	ok, err := guard.HasAccess(env.ctx, uid, iid)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, guard.Assign(env.ctx, uid, iid))
	require.NoError(t, guard.Assign(env.ctx, uid, iid))
	assert.Equal(t, 1, linkCount(t, env, user, inst))

	ok, err = guard.HasAccess(env.ctx, uid, iid)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []ActivityEventType{ActivityEventInstanceUserLinked}, sink.types())
}

func TestAccessGuardRemoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	inst := env.seedInstance(t, "svc1")
	sink := &recordingSink{}
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger()).WithActivitySink(sink)

	uid, iid := user.ID.String(), inst.ID.String()

	require.NoError(t, guard.Assign(env.ctx, uid, iid))
	require.NoError(t, guard.Remove(env.ctx, uid, iid))
	require.NoError(t, guard.Remove(env.ctx, uid, iid))
	assert.Zero(t, linkCount(t, env, user, inst))

	require.NoError(t, guard.Assign(env.ctx, uid, iid))
	assert.Equal(t, 1, linkCount(t, env, user, inst))

	assert.Equal(t, []ActivityEventType{
		ActivityEventInstanceUserLinked,
		ActivityEventInstanceUserRemoved,
		ActivityEventInstanceUserLinked,
	}, sink.types())
}

func TestAccessGuardValidation(t *testing.T) {
	env := newTestEnv(t)
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger())
	valid := uuid.NewString()

	cases := []struct {
		name       string
		userID     string
		instanceID string
		field      string
	}{
		{name: "empty user", userID: "", instanceID: valid, field: "user_id: cannot be blank"},
		{name: "malformed user", userID: "abc", instanceID: valid, field: "user_id: must be a valid UUID"},
		{name: "nil user", userID: uuid.Nil.String(), instanceID: valid, field: "user_id: must be a valid UUID"},
		{name: "empty instance", userID: valid, instanceID: "", field: "instance_id: cannot be blank"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, err := range []error{
				guard.Assign(env.ctx, tc.userID, tc.instanceID),
				guard.Remove(env.ctx, tc.userID, tc.instanceID),
				func() error { _, err := guard.HasAccess(env.ctx, tc.userID, tc.instanceID); return err }(),
			} {
				require.Error(t, err)
				assert.Equal(t, 400, StatusFor(err))
				assert.Equal(t, []string{tc.field}, FieldErrors(err))
			}
		})
	}
}

func TestAccessGuardAssignMissingSubjects(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	inst := env.seedInstance(t, "svc1")
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger())

	err := guard.Assign(env.ctx, uuid.NewString(), inst.ID.String())
	require.Error(t, err)
	assert.Equal(t, 404, StatusFor(err))
	assert.Contains(t, err.Error(), "user not found")

	err = guard.Assign(env.ctx, user.ID.String(), uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, 404, StatusFor(err))
}

func TestAccessGuardProjections(t *testing.T) {
	env := newTestEnv(t)
	alice := env.seedUser(t, "alice@x.com", "password123")
	bob := env.seedUser(t, "bob@x.com", "password123")
	svc1 := env.seedInstance(t, "svc1")
	svc2 := env.seedInstance(t, "svc2")
	guard := NewAccessGuard(env.repo).WithLogger(NoopLogger())

	linked, err := guard.HasAnyLink(env.ctx, alice.ID.String())
	require.NoError(t, err)
	assert.False(t, linked)

	instances, err := guard.InstancesOf(env.ctx, alice.ID.String())
	require.NoError(t, err)
	assert.Empty(t, instances)

	require.NoError(t, guard.Assign(env.ctx, alice.ID.String(), svc1.ID.String()))
	require.NoError(t, guard.Assign(env.ctx, alice.ID.String(), svc2.ID.String()))
	require.NoError(t, guard.Assign(env.ctx, bob.ID.String(), svc1.ID.String()))

	linked, err = guard.HasAnyLink(env.ctx, alice.ID.String())
	require.NoError(t, err)
	assert.True(t, linked)

	instances, err = guard.InstancesOf(env.ctx, alice.ID.String())
	require.NoError(t, err)
	hosts := []string{}
	for _, i := range instances {
		hosts = append(hosts, i.Host)
	}
	assert.ElementsMatch(t, []string{"svc1", "svc2"}, hosts)

	users, err := guard.UsersOf(env.ctx, svc1.ID.String())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice@x.com", users[0].Email)
	assert.Equal(t, "bob@x.com", users[1].Email)

	n, err := guard.CountUsers(env.ctx, svc1.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = guard.CountUsers(env.ctx, svc2.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
