package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRegistry shares leases across instances. A lease is a key holding a
// random token with a TTL. The holder refreshes the TTL while its fn runs,
// so a live leader never loses the key and a crashed one blocks waiters for
// at most TTL.
type RedisRegistry struct {
	client          redis.UniversalClient
	prefix          string
	ttl             time.Duration
	refreshInterval time.Duration
	pollInterval    time.Duration
	logger          *zap.Logger
}

type RedisConfig struct {
	Prefix string
	TTL    time.Duration // default: 2m
	// RefreshInterval is how often a held lease's TTL is extended
	// (default: TTL/3).
	RefreshInterval time.Duration
	PollInterval    time.Duration // default: 50ms
	Logger          *zap.Logger
}

func NewRedisRegistry(client redis.UniversalClient, cfg RedisConfig) *RedisRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RefreshInterval <= 0 || cfg.RefreshInterval >= cfg.TTL {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisRegistry{
		client:          client,
		prefix:          cfg.Prefix,
		ttl:             cfg.TTL,
		refreshInterval: cfg.RefreshInterval,
		pollInterval:    cfg.PollInterval,
		logger:          cfg.Logger.Named("lease"),
	}
}

func (r *RedisRegistry) key(k string) string {
	if r.prefix == "" {
		return "lease:" + k
	}
	return r.prefix + ":lease:" + k
}

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only if the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (r *RedisRegistry) Do(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) (any, error)) (Flight, error) {
	l, err := r.tryAcquire(ctx, key)
	if err != nil {
		return Flight{}, err
	}
	if l != nil {
		return r.lead(ctx, l, fn)
	}

	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	err = r.wait(waitCtx, key)
	switch {
	case ctx.Err() != nil:
		return Flight{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return Flight{}, ErrWaitTimeout
	case err != nil:
		return Flight{}, err
	}
	return Flight{}, nil
}

// lead runs fn detached from ctx, refreshing the lease until fn returns.
func (r *RedisRegistry) lead(ctx context.Context, l *redisLease, fn func(ctx context.Context) (any, error)) (Flight, error) {
	detached := context.WithoutCancel(ctx)
	done := make(chan Flight, 1)

	go func() {
		stop := l.keepAlive(detached)
		v, err := fn(detached)
		stop()

		relCtx, cancel := context.WithTimeout(detached, 5*time.Second)
		defer cancel()
		if rerr := l.release(relCtx); rerr != nil {
			r.logger.Warn("lease release failed", zap.String("lease_key", l.key), zap.Error(rerr))
		}
		done <- Flight{Leader: true, Value: v, Err: err}
	}()

	select {
	case f := <-done:
		return f, nil
	case <-ctx.Done():
		return Flight{Leader: true}, ctx.Err()
	}
}

func (r *RedisRegistry) tryAcquire(ctx context.Context, key string) (*redisLease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(key), token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease acquire failed: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{registry: r, key: key, token: token}, nil
}

// wait polls until key is free or ctx is done.
func (r *RedisRegistry) wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		n, err := r.client.Exists(ctx, r.key(key)).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("redis lease wait failed: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	registry *RedisRegistry
	key      string
	token    string

	once sync.Once
	err  error
}

// keepAlive extends the lease every refresh interval until the returned
// stop func is called or the lease turns out to be lost.
func (l *redisLease) keepAlive(ctx context.Context) (stop func()) {
	r := l.registry
	quit := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(r.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			n, err := refreshScript.Run(ctx, r.client, []string{r.key(l.key)}, l.token, r.ttl.Milliseconds()).Int()
			if err != nil {
				r.logger.Warn("lease refresh failed", zap.String("lease_key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				r.logger.Warn("lease lost while held", zap.String("lease_key", l.key))
				return
			}
		}
	}()

	return func() {
		close(quit)
		<-exited
	}
}

func (l *redisLease) release(ctx context.Context) error {
	l.once.Do(func() {
		n, err := releaseScript.Run(ctx, l.registry.client, []string{l.registry.key(l.key)}, l.token).Int()
		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			l.err = fmt.Errorf("redis lease release failed: %w", err)
		case n == 0:
			l.err = ErrNotHeld
		}
	})
	return l.err
}
