package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	out, err := json.Marshal(v)
	require.NoError(t, err)
	return string(out)
}

func TestUserDisplayName(t *testing.T) {
	u := &User{Email: "a@x.com"}
	if u.DisplayName() != "a@x.com" {
		t.Fatalf("expected email fallback, got %q", u.DisplayName())
	}

	u.FullName = "Ada Lovelace"
	if u.DisplayName() != "Ada Lovelace" {
		t.Fatalf("expected full name, got %q", u.DisplayName())
	}

	var nilUser *User
	assert.Empty(t, nilUser.DisplayName())
	assert.False(t, nilUser.HasRole(RoleUser))
}

func TestUserJSONHidesSecrets(t *testing.T) {
	token := "refresh-secret"
	u := User{
		Email:        "a@x.com",
		PasswordHash: "$2a$hash",
		RefreshToken: &token,
	}

	out := mustJSON(t, u)
	assert.NotContains(t, out, "$2a$hash")
	assert.NotContains(t, out, "refresh-secret")
	assert.Contains(t, out, `"email":"a@x.com"`)
}

func TestNormalizeRoles(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "empty falls back to user", in: nil, want: []string{RoleUser}},
		{name: "blanks dropped", in: []string{" ", ""}, want: []string{RoleUser}},
		{name: "case and dupes", in: []string{"Admin", "admin", " user "}, want: []string{RoleAdmin, RoleUser}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeRoles(tc.in))
		})
	}

	assert.True(t, IsValidRole(RoleAdmin))
	assert.False(t, IsValidRole("root"))
}

func TestEnvironmentType(t *testing.T) {
	assert.Equal(t, "staging", EnvironmentStaging.String())
	assert.Equal(t, "unknown", EnvironmentType(7).String())
	assert.True(t, EnvironmentProduction.IsValid())
	assert.False(t, EnvironmentType(-1).IsValid())
}

func TestOtpCodeIsExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	code := &OtpCode{ExpirationDate: now.Add(10 * time.Minute)}

	assert.False(t, code.IsExpired(now))
	assert.False(t, code.IsExpired(now.Add(10*time.Minute-time.Nanosecond)))
	assert.True(t, code.IsExpired(now.Add(10*time.Minute)))

	assert.NotContains(t, mustJSON(t, OtpCode{Code: "123456"}), "123456")
}
