// Package orchestrator turns a render request into either a cache hit or a
// single deduplicated, retried provider generation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"wardrobe-render/internal/cache"
	"wardrobe-render/internal/lease"
	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/provider"
	"wardrobe-render/internal/render"
	"wardrobe-render/internal/usage"
)

const tracerName = "wardrobe-render/orchestrator"

type Config struct {
	// LeaseWaitTimeout bounds how long a follower waits on a leader
	// (default: 90s).
	LeaseWaitTimeout time.Duration
	// MaxConcurrent bounds provider generations in flight (default: 8).
	MaxConcurrent int64
	// ChargeCacheHits marks cache hits billable.
	ChargeCacheHits bool
	// MaxLeaseRounds bounds wait-then-relookup cycles before generating
	// without a lease (default: 3).
	MaxLeaseRounds int
	// BackgroundTimeout bounds hit accounting and lease release after the
	// caller is gone (default: 5s).
	BackgroundTimeout time.Duration

	AspectRatio string
	ImageSize   string
}

func (c Config) WithDefaults() Config {
	if c.LeaseWaitTimeout <= 0 {
		c.LeaseWaitTimeout = 90 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxLeaseRounds <= 0 {
		c.MaxLeaseRounds = 3
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 5 * time.Second
	}
	return c
}

// Generator is the provider side: primary with optional fallback behind a
// retry policy. *provider.Router implements it.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Routed, error)
}

// Authorizer is the usage gate. *usage.Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, kind usage.OperationKind) error
}

type Deps struct {
	Validator *render.Validator
	Gate      Authorizer
	Cache     cache.Cache
	Leases    lease.Registry
	Generator Generator
	Assets    AssetResolver
	// Hash defaults to render.ComputeHash.
	Hash           func(render.Request) (render.Hash, error)
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
}

type Orchestrator struct {
	cfg       Config
	validator *render.Validator
	gate      Authorizer
	cache     cache.Cache
	leases    lease.Registry
	gen       Generator
	assets    AssetResolver
	hash      func(render.Request) (render.Hash, error)
	sem       *semaphore.Weighted
	tracer    trace.Tracer
	logger    *zap.Logger

	// background work: hit accounting and detached leader generations
	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: usage gate is required")
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: cache is required")
	case deps.Leases == nil:
		return nil, errors.New("orchestrator: lease registry is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case deps.Assets == nil:
		return nil, errors.New("orchestrator: asset resolver is required")
	}
	cfg = cfg.WithDefaults()

	if deps.Hash == nil {
		deps.Hash = render.ComputeHash
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:       cfg,
		validator: deps.Validator,
		gate:      deps.Gate,
		cache:     deps.Cache,
		leases:    deps.Leases,
		gen:       deps.Generator,
		assets:    deps.Assets,
		hash:      deps.Hash,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		tracer:    deps.TracerProvider.Tracer(tracerName),
		logger:    deps.Logger.Named("orchestrator"),
	}, nil
}

// GenerateRender validates and authorizes req, then serves it from the
// cache or from one deduplicated provider generation.
func (o *Orchestrator) GenerateRender(ctx context.Context, req *render.Request) (*render.Result, error) {
	ctx, span := o.tracer.Start(ctx, "GenerateRender")
	defer span.End()

	res, err := o.generateRender(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, render.KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("render.cache_hit", res.CacheHit),
		attribute.String("render.model", res.Model),
	)
	return res, nil
}

func (o *Orchestrator) generateRender(ctx context.Context, req *render.Request) (*render.Result, error) {
	if err := o.validator.Validate(req); err != nil {
		return nil, err
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("render.user_id", req.UserID),
		attribute.String("render.quality", string(req.Quality)),
		attribute.String("render.surface", string(req.SourceSurface)),
	)
	if err := o.gate.Authorize(ctx, req.UserID, usage.KindForQuality(req.Quality)); err != nil {
		return nil, err
	}

	hash, err := o.hash(*req)
	if err != nil {
		return nil, fmt.Errorf("compute render hash: %w", err)
	}
	span.SetAttributes(attribute.String("render.hash", string(hash)))
	logger := o.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("render_hash", string(hash)),
	)
	job := &job{req: req, hash: hash, slots: o.validator.OrderedSlots(req), log: logger}
	key := lease.Key(req.UserID, string(hash))

	for round := 0; round < o.cfg.MaxLeaseRounds; round++ {
		if res, ok := o.lookup(ctx, job); ok {
			return res, nil
		}

		// the leader's work is tracked for Drain whether or not the caller stays
		o.wg.Add(1)
		finish := sync.OnceFunc(o.wg.Done)
		fl, err := o.leases.Do(ctx, key, o.cfg.LeaseWaitTimeout, func(ctx context.Context) (any, error) {
			defer finish()
			return o.lead(ctx, job)
		})
		if !fl.Leader {
			finish()
		}

		switch {
		case fl.Leader && err != nil:
			metrics.LeaseOutcomesTotal.WithLabelValues("leader").Inc()
			logger.Info("caller gone, leader generation continues in background")
			return nil, err
		case fl.Leader:
			metrics.LeaseOutcomesTotal.WithLabelValues("leader").Inc()
			res, _ := fl.Value.(*render.Result)
			if fl.Err != nil {
				return nil, fl.Err
			}
			return res, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, lease.ErrWaitTimeout):
			logger.Warn("lease wait timed out, generating without lease",
				zap.Duration("wait_timeout", o.cfg.LeaseWaitTimeout),
			)
			metrics.LeaseOutcomesTotal.WithLabelValues("timeout").Inc()
			return o.generate(ctx, job)
		case err != nil:
			logger.Warn("lease acquire failed, generating without lease", zap.Error(err))
			metrics.LeaseOutcomesTotal.WithLabelValues("unleased").Inc()
			return o.generate(ctx, job)
		}
		metrics.LeaseOutcomesTotal.WithLabelValues("follower").Inc()
	}

	if res, ok := o.lookup(ctx, job); ok {
		return res, nil
	}
	logger.Warn("lease rounds exhausted, generating without lease",
		zap.Int("rounds", o.cfg.MaxLeaseRounds))
	metrics.LeaseOutcomesTotal.WithLabelValues("unleased").Inc()
	return o.generate(ctx, job)
}

type job struct {
	req   *render.Request
	hash  render.Hash
	slots []string
	log   *zap.Logger
}

// lookup serves a live cache entry. Cache failures count as a miss.
func (o *Orchestrator) lookup(ctx context.Context, j *job) (*render.Result, bool) {
	e, err := o.cache.Lookup(ctx, j.req.UserID, j.hash)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			j.log.Warn("cache lookup failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}

	o.recordHit(ctx, j)

	return &render.Result{
		RenderHash: j.hash,
		Image: render.Image{
			StoragePath: e.StoragePath,
			URL:         e.ImageURL,
			MIMEType:    e.MIMEType,
		},
		Model:              e.Model,
		SlotsUsed:          j.slots,
		FaceReferencesUsed: e.FaceRefCount,
		CacheHit:           true,
		// count this hit; the store is updated in the background
		HitCount: e.HitCount + 1,
		Billable: o.cfg.ChargeCacheHits,
	}, true
}

// recordHit bumps hit accounting without holding up the response.
func (o *Orchestrator) recordHit(ctx context.Context, j *job) {
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(bg, o.cfg.BackgroundTimeout)
		defer cancel()
		if err := o.cache.RecordHit(ctx, j.req.UserID, j.hash); err != nil {
			j.log.Warn("record hit failed", zap.Error(err))
		}
	}()
}

// lead is the leader's work. It runs detached from the caller, so a cancelled
// caller still leaves a populated cache behind.
func (o *Orchestrator) lead(ctx context.Context, j *job) (*render.Result, error) {
	// another leader may have finished between our lookup and acquire
	if res, ok := o.lookup(ctx, j); ok {
		return res, nil
	}
	return o.generate(ctx, j)
}

// generate resolves assets, calls the provider and persists the result.
// Cache write failures are absorbed: the caller still gets the image bytes.
func (o *Orchestrator) generate(ctx context.Context, j *job) (*render.Result, error) {
	ctx, span := o.tracer.Start(ctx, "generate")
	defer span.End()
	logger := j.log

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.GenerationsInFlight.Inc()
	start := time.Now()
	defer func() {
		o.sem.Release(1)
		metrics.GenerationsInFlight.Dec()
		metrics.GenerationSeconds.Observe(time.Since(start).Seconds())
	}()

	assets, err := o.assets.Resolve(ctx, j.req, j.slots)
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	routed, err := o.gen.Generate(ctx, provider.Request{
		Prompt: provider.BuildPrompt(provider.PromptInput{
			Preset:       j.req.Preset,
			View:         j.req.View,
			KeepPose:     j.req.KeepPose,
			HasBaseImage: assets.Base != nil,
			Slots:        j.slots,
			FaceCount:    len(assets.Faces),
		}),
		Images: assets.Images(),
		Options: provider.Options{
			Quality:     j.req.Quality,
			AspectRatio: o.cfg.AspectRatio,
			ImageSize:   o.cfg.ImageSize,
		},
	})
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, render.KindOf(err).String())
		logger.Error("generation failed",
			zap.String("kind", render.KindOf(err).String()),
			zap.Error(err),
		)
		return nil, err
	}

	outcomeLabel := "ok"
	if routed.Fallback {
		outcomeLabel = "fallback"
	}
	metrics.GenerationsTotal.WithLabelValues(outcomeLabel).Inc()
	span.SetAttributes(
		attribute.String("render.provider", routed.Provider),
		attribute.Bool("render.fallback", routed.Fallback),
	)

	res := &render.Result{
		RenderHash:         j.hash,
		Image:              render.Image{MIMEType: routed.MIMEType},
		Model:              routed.Model,
		SlotsUsed:          j.slots,
		FaceReferencesUsed: len(assets.Faces),
		Billable:           true,
	}

	path, err := o.cache.PutBlob(ctx, j.req.UserID, j.hash, routed.Data, routed.MIMEType)
	if err != nil {
		logger.Warn("render not cached: blob write failed", zap.Error(err))
		res.Image.Data = routed.Data
		res.Warnings = append(res.Warnings, "render could not be cached")
		return res, nil
	}
	res.Image.StoragePath = path

	entry, err := o.cache.Upsert(ctx, cache.UpsertInput{
		UserID:       j.req.UserID,
		RenderHash:   j.hash,
		StoragePath:  path,
		MIMEType:     routed.MIMEType,
		Request:      *j.req,
		Model:        routed.Model,
		FaceRefCount: len(assets.Faces),
	})
	if err != nil {
		logger.Warn("render not cached: metadata upsert failed", zap.Error(err))
		res.Image.Data = routed.Data
		res.Warnings = append(res.Warnings, "render could not be cached")
		return res, nil
	}

	res.Image.URL = entry.ImageURL
	res.HitCount = entry.HitCount

	logger.Info("render generated",
		zap.String("model", routed.Model),
		zap.String("provider", routed.Provider),
		zap.Bool("fallback", routed.Fallback),
		zap.String("storage_path", path),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// Drain waits for background hit accounting and detached generations.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
