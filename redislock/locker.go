// Package redislock provides a KeyedLocker shared by every process that
// talks to the same redis, so OTP generation stays serialized per user
// across replicas.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	goredis "github.com/redis/go-redis/v9"

	auth "github.com/goliatone/go-instance-auth"
)

const (
	DefaultPrefix = "auth:lock:"
	DefaultTTL    = 10 * time.Second
	DefaultRetry  = 25 * time.Millisecond
)

// only the holder may delete the key
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger auth.Logger
}

var _ auth.KeyedLocker = (*Locker)(nil)

type Option func(*Locker)

func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithTTL bounds how long a crashed holder can keep the key
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

func WithLogger(logger auth.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(client goredis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		retry:  DefaultRetry,
		logger: auth.NoopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key

	token, err := newToken()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to create lock token")
	}

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.Wrap(err, errors.CategoryInternal, "failed to acquire lock").
				WithMetadata(map[string]any{"key": key})
		}

		if ok {
			return l.releaser(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}
}

func (l *Locker) release(redisKey, token string) {
	// must run even if the request context is already gone
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warn("failed to release lock", "key", redisKey, "error", err)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
