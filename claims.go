package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by an access token
type AccessClaims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// UserID returns the subject
func (c *AccessClaims) UserID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// HasRole checks the roles claim
func (c *AccessClaims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	return containsRole(c.Roles, role)
}

// IsAdmin is a shortcut for HasRole(RoleAdmin)
func (c *AccessClaims) IsAdmin() bool {
	return c.HasRole(RoleAdmin)
}

// Expires returns exp or the zero time
func (c *AccessClaims) Expires() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Caller converts the claims to the identity used by Authorize
func (c *AccessClaims) Caller() Caller {
	if c == nil {
		return Caller{}
	}
	return Caller{
		UserID: c.Subject,
		Roles:  c.Roles,
	}
}

// TokenPair is returned by login and refresh
type TokenPair struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
}
