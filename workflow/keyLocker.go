package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// KeyLocker stops two requests carrying the same idempotency key from running the
// mutation at the same time. Obtain returns ErrIdempotencyInProgress when the key is held.
type KeyLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalKeyLocker guards keys inside one process.
type LocalKeyLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalKeyLocker() *LocalKeyLocker {
	return &LocalKeyLocker{held: make(map[string]struct{})}
}

func (l *LocalKeyLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrIdempotencyInProgress
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisKeyLocker guards keys across replicas with a redislock lease.
type RedisKeyLocker struct {
	client *redislock.Client
	logger *logrus.Logger
	prefix string
}

func NewRedisKeyLocker(client *redislock.Client, logger *logrus.Logger) *RedisKeyLocker {
	return &RedisKeyLocker{client: client, logger: logger, prefix: "idem-lock:"}
}

func (l *RedisKeyLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrIdempotencyInProgress
	}
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil {
			// the key stays blocked until the lease expires
			l.logger.WithFields(logrus.Fields{
				"lock_key": l.prefix + key,
				"ttl_ms":   ttl.Milliseconds(),
			}).WithError(err).Warn("failed to release idempotency key lock")
		}
	}, nil
}

var (
	_ KeyLocker = (*LocalKeyLocker)(nil)
	_ KeyLocker = (*RedisKeyLocker)(nil)
)
