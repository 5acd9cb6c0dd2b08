package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"wardrobe-render/internal/render"
)

// Class is the retry decision for an error.
type Class int

const (
	Fatal Class = iota
	Retryable
)

// Config tunes a Policy. Zero values get defaults from WithDefaults.
type Config struct {
	MaxRetries  int           // retries after the first attempt; 0 disables retrying
	BaseBackoff time.Duration // default: 250ms
	MaxBackoff  time.Duration // cap per wait (default: 30s)
	// Jitter is the +/- fraction applied to each wait, clamped to [0,1].
	Jitter float64
}

func (c Config) WithDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Policy retries single provider calls. It never retries the cache or gate.
type Policy struct {
	cfg      Config
	classify func(error) Class
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

type Option func(*Policy)

// WithClassifier replaces render.IsRetryable as the retry decision.
func WithClassifier(fn func(error) Class) Option {
	return func(p *Policy) { p.classify = fn }
}

// WithSleep swaps the wait function; tests use it to skip real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:      cfg.WithDefaults(),
		classify: DefaultClassifier,
		sleep:    sleepCtx,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("retry")
	return p
}

func (p *Policy) Config() Config { return p.cfg }

// DefaultClassifier treats provider timeouts, 5xx and rate limits as
// retryable and everything else as fatal.
func DefaultClassifier(err error) Class {
	if render.IsRetryable(err) {
		return Retryable
	}
	return Fatal
}

// Do runs op up to MaxRetries+1 times. Fatal errors return immediately and
// unchanged; exhausting the retries returns the last error wrapped as
// render.KindProviderUnavailable. Cancellation of ctx stops the loop.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	maxAttempts := p.cfg.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		start := time.Now()
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		p.logger.Debug("attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		// caller went away; not the provider's fault
		if ctx.Err() != nil {
			return zero, err
		}

		if p.classify(err) == Fatal {
			return zero, err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		wait := Backoff(p.cfg, attempt)
		if ra := render.RetryAfterOf(err); ra > wait {
			wait = min(ra, p.cfg.MaxBackoff)
		}
		p.logger.Debug("backing off before retry",
			zap.Duration("backoff", wait),
			zap.Int("next_attempt", attempt+2),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	p.logger.Warn("provider call exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return zero, &render.Error{
		Kind: render.KindProviderUnavailable,
		Msg:  "retries exhausted",
		Err:  lastErr,
	}
}

// Backoff returns base * 2^attempt, capped at MaxBackoff, with +/- Jitter
// applied. attempt is zero-based.
func Backoff(cfg Config, attempt int) time.Duration {
	// 2^16 is far beyond any sane cap
	const maxExponent = 16
	if attempt > maxExponent {
		attempt = maxExponent
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(cfg.BaseBackoff) * math.Pow(2, float64(attempt))
	if limit := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && d > limit {
		d = limit
	}

	if cfg.Jitter > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		spread := (rand.Float64()*2 - 1) * cfg.Jitter
		d += d * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
