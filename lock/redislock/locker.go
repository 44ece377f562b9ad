// Package redislock provides a conflictkit.Locker shared by every engine
// pointed at the same Redis, so that resolvers in different processes do
// not resolve the same document at once.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryEvery = 50 * time.Millisecond
	DefaultPrefix     = "conflictkit:lock:"
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option configures a Locker.
type Option interface {
	apply(*Locker)
}

type optionFn func(*Locker)

func (f optionFn) apply(l *Locker) { f(l) }

// WithTTL sets the lock expiry. A holder that dies releases the lock
// after ttl.
func WithTTL(ttl time.Duration) Option {
	return optionFn(func(l *Locker) { l.ttl = ttl })
}

// WithRetryInterval sets how often a blocked Lock retries.
func WithRetryInterval(d time.Duration) Option {
	return optionFn(func(l *Locker) { l.retryEvery = d })
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return optionFn(func(l *Locker) { l.prefix = p })
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return optionFn(func(l *Locker) { l.logger = logger })
}

// Locker is a SET NX PX lock with a random token per acquisition.
type Locker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retryEvery time.Duration
	prefix     string
	logger     *logging.Logger
}

var _ conflictkit.Locker = (*Locker)(nil)

// New returns a Locker on client.
func New(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	l := &Locker{
		client:     client,
		ttl:        DefaultTTL,
		retryEvery: DefaultRetryEvery,
		prefix:     DefaultPrefix,
		logger:     logging.WithComponent(logging.Component("redis-lock")),
	}
	for _, opt := range opts {
		opt.apply(l)
	}
	if l.ttl <= 0 || l.retryEvery <= 0 {
		return nil, fmt.Errorf("ttl and retry interval must be positive")
	}
	return l, nil
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryEvery)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release regardless.
			rctx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			if err := release.Run(rctx, l.client, []string{name}, token).Err(); err != nil {
				l.logger.LogWarn(rctx, err, "failed to release lock", slog.String("key", name))
			}
		})
	}, nil
}
