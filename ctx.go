package auth

import (
	"context"

	"github.com/goliatone/go-router"
)

const (
	// DefaultClaimsKey is where jwtware stores *AccessClaims in locals
	DefaultClaimsKey = "user"
	// DefaultInstanceKey is where the api key middleware stores *Instance
	DefaultInstanceKey = "instance"
)

var claimsCtxKey = &contextKey{"claims"}
var instanceCtxKey = &contextKey{"instance"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the AccessClaims in the given context
func WithClaimsContext(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// ClaimsFromContext extracts the AccessClaims from the standard context
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*AccessClaims)
	return raw, ok && raw != nil
}

// WithInstanceContext sets the authenticated Instance in the given context
func WithInstanceContext(ctx context.Context, instance *Instance) context.Context {
	return context.WithValue(ctx, instanceCtxKey, instance)
}

// InstanceFromContext extracts the Instance from the standard context
func InstanceFromContext(ctx context.Context) (*Instance, bool) {
	raw, ok := ctx.Value(instanceCtxKey).(*Instance)
	return raw, ok && raw != nil
}

// GetRouterClaims extracts the AccessClaims from the router context
func GetRouterClaims(c router.Context, key string) (*AccessClaims, bool) {
	if key == "" {
		key = DefaultClaimsKey
	}
	claims, ok := c.Locals(key).(*AccessClaims)
	return claims, ok && claims != nil
}

// GetRouterInstance extracts the Instance from the router context
func GetRouterInstance(c router.Context, key string) (*Instance, bool) {
	if key == "" {
		key = DefaultInstanceKey
	}
	instance, ok := c.Locals(key).(*Instance)
	return instance, ok && instance != nil
}

// CallerFromRouter resolves the Caller for the current request
func CallerFromRouter(c router.Context, key string) (Caller, bool) {
	claims, ok := GetRouterClaims(c, key)
	if !ok {
		return Caller{}, false
	}
	return claims.Caller(), true
}
