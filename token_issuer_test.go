package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerIssue(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123", RoleUser, RoleAdmin)
	issuer := env.issuer()

	pair, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	now := env.clock.Now()
	assert.Equal(t, now.Add(15*time.Minute), pair.AccessExpiry)
	assert.Equal(t, now.Add(7*24*time.Hour), pair.RefreshExpiry)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := issuer.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID())
	assert.Equal(t, user.FullName, claims.Name)
	assert.ElementsMatch(t, []string{RoleUser, RoleAdmin}, claims.Roles)
	assert.Equal(t, "test-issuer", claims.Issuer)

	stored, err := env.repo.Users().FindByIDTx(env.ctx, env.db, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RefreshToken)
	assert.Equal(t, pair.RefreshToken, *stored.RefreshToken)
	require.NotNil(t, stored.RefreshTokenExpiry)
	assert.True(t, stored.RefreshTokenExpiry.Equal(pair.RefreshExpiry))
}

func TestTokenIssuerIssueReplacesPreviousToken(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	first, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	second, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = issuer.Refresh(env.ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenIssuerRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	r1, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	r2, err := issuer.Refresh(env.ctx, r1.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, r1.RefreshToken, r2.RefreshToken)

	// replaying the rotated token fails
	_, err = issuer.Refresh(env.ctx, r1.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	r3, err := issuer.Refresh(env.ctx, r2.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, r2.RefreshToken, r3.RefreshToken)
}

func TestTokenIssuerRefreshFailures(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	pair, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	t.Run("empty token", func(t *testing.T) {
		_, err := issuer.Refresh(env.ctx, "")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := issuer.Refresh(env.ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("expired token", func(t *testing.T) {
		env.clock.Advance(7*24*time.Hour + time.Second)
		_, err := issuer.Refresh(env.ctx, pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestTokenIssuerConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	pair, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	const callers = 6
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Refresh(context.Background(), pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidCredential)
	}
	assert.Equal(t, 1, wins)
}

func TestTokenIssuerRevoke(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	pair, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(env.ctx, user.ID))

	_, err = issuer.Refresh(env.ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTokenIssuerValidate(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "a@x.com", "password123")
	issuer := env.issuer()

	pair, err := issuer.Issue(env.ctx, user)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := env.issuer(WithTokenIssuerClock(func() time.Time {
			return env.clock.Now().Add(16 * time.Minute)
		}))
		_, err := later.Validate(pair.AccessToken)
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.True(t, IsTokenExpiredError(err))
	})

	t.Run("other signing key", func(t *testing.T) {
		other := NewTokenIssuer(env.repo, AuthConfig{
			SigningKey: "another-secret",
			Issuer:     "test-issuer",
		}, WithTokenIssuerClock(env.clock.Now))

		_, err := other.Validate(pair.AccessToken)
		require.Error(t, err)
		assert.True(t, IsMalformedError(err))
		assert.Equal(t, 401, StatusFor(err))
	})

	t.Run("other issuer", func(t *testing.T) {
		other := NewTokenIssuer(env.repo, AuthConfig{
			SigningKey: "test-secret",
			Issuer:     "someone-else",
		}, WithTokenIssuerClock(env.clock.Now))

		_, err := other.Validate(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("alg none rejected", func(t *testing.T) {
		claims := &AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    "test-issuer",
			ExpiresAt: jwt.NewNumericDate(env.clock.Now().Add(time.Hour)),
		}}
		token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
		token.Header["kid"] = "primary"
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = issuer.Validate(raw)
		assert.Error(t, err)
	})

	t.Run("previous key still verifies", func(t *testing.T) {
		rotated := NewTokenIssuer(env.repo, AuthConfig{
			SigningKey:          "new-secret",
			SigningKeyID:        "k2",
			PreviousSigningKeys: map[string]string{"primary": "test-secret"},
			Issuer:              "test-issuer",
		}, WithTokenIssuerClock(env.clock.Now))

		claims, err := rotated.Validate(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID.String(), claims.Subject)
	})
}

func TestTokenIssuerIssueRejectsEmptyUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.issuer().Issue(env.ctx, &User{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
