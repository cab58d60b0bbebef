package apikey

import (
	"context"
	"strings"

	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-instance-auth"
)

// DefaultHeader carries the instance API key
const DefaultHeader = "X-Api-Key"

// KeyResolver is satisfied by *auth.ApiKeyManager
type KeyResolver interface {
	LookupByKey(ctx context.Context, key string) (*auth.Instance, error)
}

type Config struct {
	Resolver     KeyResolver
	Header       string
	ContextKey   string
	ErrorHandler router.ErrorHandler
	// ContextEnricher propagates the instance to the standard context
	ContextEnricher func(c context.Context, instance *auth.Instance) context.Context
}

// New resolves the calling instance from its API key. Unknown and
// inactive keys are rejected the same way.
func New(config ...Config) router.MiddlewareFunc {
	cfg := GetDefaultConfig(config...)

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			key := strings.TrimSpace(ctx.GetString(cfg.Header, ""))
			if key == "" {
				return cfg.ErrorHandler(ctx, auth.ErrInvalidCredential)
			}

			instance, err := cfg.Resolver.LookupByKey(ctx.Context(), key)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, instance)

			if cfg.ContextEnricher != nil {
				ctx.SetContext(cfg.ContextEnricher(ctx.Context(), instance))
			}

			return next(ctx)
		}
	}
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Resolver == nil {
		panic("AUTH: api key middleware configuration: Resolver is required.")
	}

	if cfg.Header == "" {
		cfg.Header = DefaultHeader
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = auth.DefaultInstanceKey
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c router.Context, err error) error {
			status, res := auth.Fail(err)
			return c.JSON(status, res)
		}
	}

	return cfg
}
