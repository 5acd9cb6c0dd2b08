package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/render"
	"wardrobe-render/internal/retry"
)

// Routed is an Output plus the provider that produced it.
type Routed struct {
	*Output
	Provider string
	Fallback bool
}

// FallbackPolicy decides whether a failed primary call should be retried
// once on the fallback provider.
type FallbackPolicy func(err error) bool

// OnAccountRejection falls back only when the primary rejected the call
// because of its own account state (verification, credit). Content-policy
// rejections never fall back.
func OnAccountRejection(err error) bool {
	return render.RejectionOf(err) == render.RejectAccountVerification
}

// Router sends every call to the primary through the retry policy and,
// when the fallback policy allows it, once more to the fallback.
type Router struct {
	primary  Provider
	fallback Provider
	policy   *retry.Policy
	should   FallbackPolicy
	logger   *zap.Logger
}

func NewRouter(primary, fallback Provider, policy *retry.Policy, should FallbackPolicy, logger *zap.Logger) (*Router, error) {
	if primary == nil {
		return nil, errors.New("provider: primary is required")
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	if should == nil {
		should = OnAccountRejection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		should:   should,
		logger:   logger.Named("router"),
	}, nil
}

func (r *Router) Generate(ctx context.Context, req Request) (*Routed, error) {
	out, err := r.call(ctx, r.primary, req)
	if err == nil {
		return &Routed{Output: out, Provider: r.primary.Name()}, nil
	}
	if r.fallback == nil || !r.should(err) || ctx.Err() != nil {
		return nil, err
	}

	r.logger.Warn("primary provider rejected request, using fallback",
		zap.String("primary", r.primary.Name()),
		zap.String("fallback", r.fallback.Name()),
		zap.Error(err),
	)
	out, ferr := r.call(ctx, r.fallback, req)
	if ferr != nil {
		return nil, ferr
	}
	return &Routed{Output: out, Provider: r.fallback.Name(), Fallback: true}, nil
}

func (r *Router) call(ctx context.Context, p Provider, req Request) (*Output, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (*Output, error) {
		out, err := p.Generate(ctx, req)
		result := "ok"
		if err != nil {
			result = render.KindOf(err).String()
		}
		metrics.ProviderAttemptsTotal.WithLabelValues(p.Name(), result).Inc()
		return out, err
	})
}
