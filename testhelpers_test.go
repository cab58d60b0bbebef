package auth

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"
)

var testPasswords = BcryptAuthenticator{Cost: bcrypt.MinCost}

// testClock is a settable clock, safe for concurrent readers
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	ctx   context.Context
	db    *bun.DB
	repo  RepositoryManager
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db, NoopLogger()))

	t.Cleanup(func() {
		_ = db.Close()
	})

	clock := newTestClock()

	return &testEnv{
		ctx:   ctx,
		db:    db,
		repo:  NewRepositoryManager(db, WithUsersClock(clock.Now)),
		clock: clock,
	}
}

func (e *testEnv) seedUser(t *testing.T, email, password string, roles ...string) *User {
	t.Helper()

	hash, err := testPasswords.HashPassword(password)
	require.NoError(t, err)

	user, err := e.repo.Users().Register(e.ctx, &User{
		FullName:     "Test " + email,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
	})
	require.NoError(t, err)
	return user
}

func (e *testEnv) seedInstance(t *testing.T, host string) *Instance {
	t.Helper()

	now := e.clock.Now()
	key, err := GenerateAPIKey(defaultRandomSource())
	require.NoError(t, err)

	record := &Instance{
		ID:              uuid.New(),
		Host:            host,
		APIKey:          key,
		IsActive:        true,
		APIKeyCreatedAt: &now,
		CreatedAt:       &now,
	}
	require.NoError(t, e.repo.Instances().InsertTx(e.ctx, e.db, record))
	return record
}

func (e *testEnv) issuer(opts ...TokenIssuerOption) *TokenIssuer {
	opts = append([]TokenIssuerOption{
		WithTokenIssuerClock(e.clock.Now),
		WithTokenIssuerLogger(NoopLogger()),
	}, opts...)
	return NewTokenIssuer(e.repo, AuthConfig{
		SigningKey: "test-secret",
		Issuer:     "test-issuer",
	}, opts...)
}

func (e *testEnv) otp(notifier Notifier, opts ...OtpOption) *OtpAuthenticator {
	opts = append([]OtpOption{
		WithOtpClock(e.clock.Now),
		WithOtpLogger(NoopLogger()),
	}, opts...)
	return NewOtpAuthenticator(e.repo, notifier, opts...)
}

func (e *testEnv) apiKeys(opts ...ApiKeyOption) *ApiKeyManager {
	opts = append([]ApiKeyOption{
		WithApiKeyClock(e.clock.Now),
		WithApiKeyLogger(NoopLogger()),
	}, opts...)
	return NewApiKeyManager(e.repo, opts...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []OtpMessage
	err      error
}

func (n *recordingNotifier) SendOtp(_ context.Context, msg OtpMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return n.err
}

func (n *recordingNotifier) last(t *testing.T) OtpMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.messages)
	return n.messages[len(n.messages)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type recordingSink struct {
	mu     sync.Mutex
	events []ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// otpRows lists every stored code for the pair, oldest first
func (e *testEnv) otpRows(t *testing.T, user *User, purpose OtpPurpose) []*OtpCode {
	t.Helper()
	rows, err := e.repo.OtpCodes().ListTx(e.ctx, e.db, user.ID, purpose)
	require.NoError(t, err)
	return rows
}

func countStatus(rows []*OtpCode, status OtpStatus) int {
	n := 0
	for _, r := range rows {
		if r.Status == status {
			n++
		}
	}
	return n
}
