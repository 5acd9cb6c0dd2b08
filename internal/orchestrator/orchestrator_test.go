package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"wardrobe-render/internal/cache"
	"wardrobe-render/internal/lease"
	"wardrobe-render/internal/provider"
	"wardrobe-render/internal/render"
	"wardrobe-render/internal/retry"
	"wardrobe-render/internal/usage"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nrender")

type spyGate struct {
	calls atomic.Int32
	err   error
}

func (g *spyGate) Authorize(context.Context, string, usage.OperationKind) error {
	g.calls.Add(1)
	return g.err
}

type spyCache struct {
	cache.Cache
	lookups   atomic.Int32
	hits      atomic.Int32
	lookupErr error
}

func (c *spyCache) Lookup(ctx context.Context, userID string, hash render.Hash) (*cache.Entry, error) {
	c.lookups.Add(1)
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	return c.Cache.Lookup(ctx, userID, hash)
}

func (c *spyCache) RecordHit(ctx context.Context, userID string, hash render.Hash) error {
	c.hits.Add(1)
	return c.Cache.RecordHit(ctx, userID, hash)
}

type spyGen struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req provider.Request) (*provider.Routed, error)
}

func (g *spyGen) Generate(ctx context.Context, req provider.Request) (*provider.Routed, error) {
	g.calls.Add(1)
	if g.fn != nil {
		return g.fn(ctx, req)
	}
	return routed("primary-flash"), nil
}

func routed(model string) *provider.Routed {
	return &provider.Routed{
		Output:   &provider.Output{Data: pngBytes, MIMEType: "image/png", Model: model},
		Provider: "primary",
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	o         *Orchestrator
	store     *cache.Store
	meta      *cache.MemoryMetadataStore
	blobs     *cache.MemoryBlobStore
	cache     *spyCache
	gate      *spyGate
	leases    *lease.LocalRegistry
	clock     *clock
	hashCalls atomic.Int32
}

func newHarness(t *testing.T, gen Generator, cfg Config) *harness {
	t.Helper()
	return newHarnessWithLeases(t, gen, cfg, nil)
}

// newHarnessWithLeases uses reg instead of the in-process registry when set.
func newHarnessWithLeases(t *testing.T, gen Generator, cfg Config, reg lease.Registry) *harness {
	t.Helper()
	h := &harness{
		meta:   cache.NewMemoryMetadataStore(time.Hour),
		blobs:  cache.NewMemoryBlobStore("https://cdn.test", nil),
		gate:   &spyGate{},
		leases: lease.NewLocalRegistry(),
		clock:  &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	t.Cleanup(func() { _ = h.meta.Close() })

	store, err := cache.NewStore(h.meta, h.blobs, cache.StoreConfig{
		TTL: 14 * 24 * time.Hour,
		Now: h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	h.store = store
	h.cache = &spyCache{Cache: store}

	if err := h.blobs.Put(context.Background(), "wardrobe/u1/itemA", []byte("garment"), "image/png"); err != nil {
		t.Fatalf("seed asset: %v", err)
	}

	var leases lease.Registry = h.leases
	if reg != nil {
		leases = reg
	}
	o, err := New(Deps{
		Validator: render.NewValidator(nil),
		Gate:      h.gate,
		Cache:     h.cache,
		Leases:    leases,
		Generator: gen,
		Assets:    NewBlobAssets(h.blobs, 3),
		Hash: func(r render.Request) (render.Hash, error) {
			h.hashCalls.Add(1)
			return render.ComputeHash(r)
		},
		Logger: zaptest.NewLogger(t),
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func overlayRequest() *render.Request {
	return &render.Request{
		UserID:        "u1",
		SourceSurface: render.SurfaceOutfitBuilder,
		Quality:       render.QualityFlash,
		Preset:        "overlay",
		View:          render.ViewFront,
		SlotSignature: map[string]string{"top": "itemA"},
	}
}

func mustHash(t *testing.T, r *render.Request) render.Hash {
	t.Helper()
	h, err := render.ComputeHash(*r)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	return h
}

func TestGenerateRenderCacheHitSkipsProvider(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	ctx := context.Background()
	req := overlayRequest()
	hash := mustHash(t, req)

	if _, err := h.store.Upsert(ctx, cache.UpsertInput{
		UserID:      "u1",
		RenderHash:  hash,
		StoragePath: cache.StoragePath("u1", hash, "png"),
		MIMEType:    "image/png",
		Request:     *req,
		Model:       "seeded-model",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := h.o.GenerateRender(ctx, req)
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	h.drain(t)

	if gen.calls.Load() != 0 {
		t.Fatalf("expected zero provider calls, got %d", gen.calls.Load())
	}
	if h.cache.hits.Load() != 1 {
		t.Fatalf("expected one recordHit, got %d", h.cache.hits.Load())
	}
	if !res.CacheHit || res.Model != "seeded-model" || res.Billable {
		t.Fatalf("unexpected hit result: %+v", res)
	}
	if res.Image.URL != "https://cdn.test/public/"+cache.StoragePath("u1", hash, "png") {
		t.Fatalf("unexpected image url %q", res.Image.URL)
	}
}

func TestGenerateRenderEndToEndOverlay(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	ctx := context.Background()

	first, err := h.o.GenerateRender(ctx, overlayRequest())
	if err != nil {
		t.Fatalf("first GenerateRender: %v", err)
	}
	if first.CacheHit || first.HitCount != 0 || !first.Billable {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.Model != "primary-flash" || len(first.SlotsUsed) != 1 || first.SlotsUsed[0] != "top" {
		t.Fatalf("unexpected first result: %+v", first)
	}

	entry, err := h.meta.Get(ctx, "u1", first.RenderHash, h.clock.Now())
	if err != nil {
		t.Fatalf("entry not stored: %v", err)
	}
	if entry.HitCount != 0 {
		t.Fatalf("new entry hit count = %d", entry.HitCount)
	}
	if want := h.clock.Now().Add(14 * 24 * time.Hour); !entry.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", entry.ExpiresAt, want)
	}

	second, err := h.o.GenerateRender(ctx, overlayRequest())
	if err != nil {
		t.Fatalf("second GenerateRender: %v", err)
	}
	h.drain(t)

	if !second.CacheHit || second.HitCount != 1 {
		t.Fatalf("unexpected second result: %+v", second)
	}
	if second.Image.StoragePath != first.Image.StoragePath || second.RenderHash != first.RenderHash {
		t.Fatalf("second call returned a different image: %q vs %q", second.Image.StoragePath, first.Image.StoragePath)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", gen.calls.Load())
	}

	entry, _ = h.meta.Get(ctx, "u1", first.RenderHash, h.clock.Now())
	if entry.HitCount != 1 {
		t.Fatalf("stored hit count = %d, want 1", entry.HitCount)
	}
}

func TestGenerateRenderSingleFlight(t *testing.T) {
	gen := &spyGen{fn: func(ctx context.Context, req provider.Request) (*provider.Routed, error) {
		time.Sleep(50 * time.Millisecond)
		return routed("primary-flash"), nil
	}}
	h := newHarness(t, gen, Config{LeaseWaitTimeout: 5 * time.Second})

	const n = 10
	var wg sync.WaitGroup
	results := make([]*render.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.GenerateRender(context.Background(), overlayRequest())
		}(i)
	}
	wg.Wait()
	h.drain(t)

	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].Image.StoragePath != results[0].Image.StoragePath {
			t.Fatalf("call %d got %q, want %q", i, results[i].Image.StoragePath, results[0].Image.StoragePath)
		}
	}
	if h.leases.Held(lease.Key("u1", string(results[0].RenderHash))) {
		t.Fatalf("lease still held after all calls returned")
	}
}

func TestGenerateRenderDifferentKeysRunInParallel(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	gen := &spyGen{fn: func(ctx context.Context, req provider.Request) (*provider.Routed, error) {
		started <- struct{}{}
		<-release
		return routed("m"), nil
	}}
	h := newHarness(t, gen, Config{})
	_ = h.blobs.Put(context.Background(), "wardrobe/u1/itemB", []byte("g"), "image/png")

	a := overlayRequest()
	b := overlayRequest()
	b.SlotSignature = map[string]string{"top": "itemB"}

	var wg sync.WaitGroup
	for _, r := range []*render.Request{a, b} {
		wg.Add(1)
		go func(r *render.Request) {
			defer wg.Done()
			_, _ = h.o.GenerateRender(context.Background(), r)
		}(r)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatalf("generation for a different key was serialized")
		}
	}
	close(release)
	wg.Wait()
	h.drain(t)
}

func routerWith(t *testing.T, maxRetries int, primary, fallback provider.Provider) *provider.Router {
	t.Helper()
	policy := retry.New(retry.Config{MaxRetries: maxRetries},
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	r, err := provider.NewRouter(primary, fallback, policy, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

type stubProvider struct {
	name  string
	calls atomic.Int32
	err   error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(context.Context, provider.Request) (*provider.Output, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Output{Data: pngBytes, MIMEType: "image/png", Model: s.name + "-model"}, nil
}

func TestGenerateRenderRetryBound(t *testing.T) {
	const maxRetries = 2
	primary := &stubProvider{name: "primary", err: &render.Error{Kind: render.KindProviderServerError, Status: 503}}
	h := newHarness(t, routerWith(t, maxRetries, primary, nil), Config{})

	_, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if !errors.Is(err, render.ErrProviderUnavailable) {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
	if got := primary.calls.Load(); got != maxRetries+1 {
		t.Fatalf("expected %d provider calls, got %d", maxRetries+1, got)
	}
	if h.meta.Len() != 0 {
		t.Fatalf("failed generation must not create a cache entry")
	}
	if h.leases.Held(lease.Key("u1", string(mustHash(t, overlayRequest())))) {
		t.Fatalf("failed leader did not release its lease")
	}
}

func TestGenerateRenderFatalShortCircuit(t *testing.T) {
	primary := &stubProvider{name: "primary", err: &render.Error{
		Kind: render.KindProviderRejected, Rejection: render.RejectContentPolicy,
	}}
	fallback := &stubProvider{name: "fallback"}
	h := newHarness(t, routerWith(t, 3, primary, fallback), Config{})

	_, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if !errors.Is(err, render.ErrProviderRejected) {
		t.Fatalf("expected ProviderRejected, got %v", err)
	}
	if primary.calls.Load() != 1 || fallback.calls.Load() != 0 {
		t.Fatalf("expected 1 primary and 0 fallback calls, got %d and %d",
			primary.calls.Load(), fallback.calls.Load())
	}
}

func TestGenerateRenderFallbackOnVerification(t *testing.T) {
	primary := &stubProvider{name: "primary", err: &render.Error{
		Kind: render.KindProviderRejected, Rejection: render.RejectAccountVerification,
	}}
	fallback := &stubProvider{name: "fallback"}
	h := newHarness(t, routerWith(t, 2, primary, fallback), Config{})

	res, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	if res.Model != "fallback-model" {
		t.Fatalf("expected fallback model, got %q", res.Model)
	}
	e, err := h.meta.Get(context.Background(), "u1", res.RenderHash, h.clock.Now())
	if err != nil || e.Model != "fallback-model" {
		t.Fatalf("cache entry should record the fallback model: %+v, %v", e, err)
	}
}

func TestGenerateRenderGateShortCircuit(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	h.gate.err = &render.Error{Kind: render.KindQuotaExceeded, Msg: "no credits"}

	_, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if !errors.Is(err, render.ErrQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	if h.hashCalls.Load() != 0 || h.cache.lookups.Load() != 0 || gen.calls.Load() != 0 {
		t.Fatalf("gate denial must stop before hashing: hash=%d lookup=%d provider=%d",
			h.hashCalls.Load(), h.cache.lookups.Load(), gen.calls.Load())
	}
}

func TestGenerateRenderValidationBeforeGate(t *testing.T) {
	h := newHarness(t, &spyGen{}, Config{})
	req := overlayRequest()
	req.Quality = "ultra"

	_, err := h.o.GenerateRender(context.Background(), req)
	if !errors.Is(err, render.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.gate.calls.Load() != 0 {
		t.Fatalf("invalid requests must not reach the gate")
	}
}

func TestGenerateRenderExpiredEntryRegenerates(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	ctx := context.Background()

	first, err := h.o.GenerateRender(ctx, overlayRequest())
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	h.clock.Advance(14*24*time.Hour + time.Minute)

	second, err := h.o.GenerateRender(ctx, overlayRequest())
	if err != nil {
		t.Fatalf("GenerateRender after expiry: %v", err)
	}
	if second.CacheHit || gen.calls.Load() != 2 {
		t.Fatalf("expired entry must be treated as a miss: hit=%v calls=%d", second.CacheHit, gen.calls.Load())
	}

	e, err := h.meta.Get(ctx, "u1", first.RenderHash, h.clock.Now())
	if err != nil {
		t.Fatalf("refreshed entry missing: %v", err)
	}
	if want := h.clock.Now().Add(14 * 24 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at not refreshed: %v", e.ExpiresAt)
	}
}

func TestGenerateRenderCacheOutageDegrades(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	h.cache.lookupErr = &render.Error{Kind: render.KindCacheUnavailable, Err: errors.New("db down")}

	res, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if err != nil {
		t.Fatalf("cache outage must not fail the request: %v", err)
	}
	if res.CacheHit || gen.calls.Load() != 1 {
		t.Fatalf("expected regeneration, got hit=%v calls=%d", res.CacheHit, gen.calls.Load())
	}
}

func TestGenerateRenderBlobFailureReturnsBytes(t *testing.T) {
	h := newHarness(t, &spyGen{}, Config{})
	h.blobs.Fail = errors.New("bucket unavailable")

	res, err := h.o.GenerateRender(context.Background(), overlayRequest())
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	if string(res.Image.Data) != string(pngBytes) || len(res.Warnings) == 0 {
		t.Fatalf("expected inline image bytes and a warning: %+v", res)
	}
	if h.meta.Len() != 0 {
		t.Fatalf("no entry may point at a missing blob")
	}
}

func TestGenerateRenderMissingAsset(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})
	req := overlayRequest()
	req.SlotSignature["shoes"] = "missing"

	_, err := h.o.GenerateRender(context.Background(), req)
	if !errors.Is(err, render.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if gen.calls.Load() != 0 {
		t.Fatalf("provider must not be called without assets")
	}
}

func TestGenerateRenderLeaderSurvivesCallerCancel(t *testing.T) {
	release := make(chan struct{})
	gen := &spyGen{fn: func(ctx context.Context, req provider.Request) (*provider.Routed, error) {
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return routed("primary-flash"), nil
	}}
	h := newHarness(t, gen, Config{})
	req := overlayRequest()
	hash := mustHash(t, req)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.o.GenerateRender(ctx, req)
		errCh <- err
	}()

	waitFor(t, func() bool { return gen.calls.Load() == 1 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !h.leases.Held(lease.Key("u1", string(hash))) {
		t.Fatalf("lease must stay with the running leader")
	}

	close(release)
	h.drain(t)

	if h.leases.Held(lease.Key("u1", string(hash))) {
		t.Fatalf("lease not released after detached generation")
	}
	if _, err := h.meta.Get(context.Background(), "u1", hash, h.clock.Now()); err != nil {
		t.Fatalf("detached leader did not populate the cache: %v", err)
	}
}

func TestGenerateRenderFollowerTimeout(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{LeaseWaitTimeout: 20 * time.Millisecond})
	req := overlayRequest()

	// a stuck leader elsewhere
	key := lease.Key("u1", string(mustHash(t, req)))
	unblock := make(chan struct{})
	defer close(unblock)
	go func() {
		_, _ = h.leases.Do(context.Background(), key, 0, func(context.Context) (any, error) {
			<-unblock
			return nil, nil
		})
	}()
	waitFor(t, func() bool { return h.leases.Held(key) })

	res, err := h.o.GenerateRender(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	if res.CacheHit || gen.calls.Load() != 1 {
		t.Fatalf("follower should generate after wait timeout: %+v calls=%d", res, gen.calls.Load())
	}
}

func TestGenerateRenderNilRequest(t *testing.T) {
	gen := &spyGen{}
	h := newHarness(t, gen, Config{})

	_, err := h.o.GenerateRender(context.Background(), nil)
	if !errors.Is(err, render.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.gate.calls.Load() != 0 || gen.calls.Load() != 0 {
		t.Fatalf("nil request reached gate or provider")
	}
}

func TestGenerateRenderRedisLeaseOutlivesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := lease.NewRedisRegistry(client, lease.RedisConfig{
		TTL:             3 * time.Second,
		RefreshInterval: 10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		Logger:          zaptest.NewLogger(t),
	})

	release := make(chan struct{})
	gen := &spyGen{fn: func(ctx context.Context, req provider.Request) (*provider.Routed, error) {
		<-release
		return routed("primary-flash"), nil
	}}
	h := newHarnessWithLeases(t, gen, Config{LeaseWaitTimeout: 5 * time.Second}, reg)
	leaseKey := "lease:" + lease.Key("u1", string(mustHash(t, overlayRequest())))

	errs := make(chan error, 2)
	go func() {
		_, err := h.o.GenerateRender(context.Background(), overlayRequest())
		errs <- err
	}()
	waitFor(t, func() bool { return gen.calls.Load() == 1 })

	// the leader runs well past the lease TTL
	for i := 0; i < 3; i++ {
		mr.FastForward(2 * time.Second)
		waitFor(t, func() bool { return mr.TTL(leaseKey) > 2*time.Second })
	}

	var second *render.Result
	go func() {
		res, err := h.o.GenerateRender(context.Background(), overlayRequest())
		second = res
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("second provider call while the leader is still generating: calls=%d", got)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("GenerateRender: %v", err)
		}
	}
	h.drain(t)

	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("expected 1 provider call, got %d", got)
	}
	if second == nil || !second.CacheHit {
		t.Fatalf("second request should be served from the leader's render: %+v", second)
	}
}

func TestGenerateRenderChargeCacheHits(t *testing.T) {
	h := newHarness(t, &spyGen{}, Config{ChargeCacheHits: true})
	ctx := context.Background()

	if _, err := h.o.GenerateRender(ctx, overlayRequest()); err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	res, err := h.o.GenerateRender(ctx, overlayRequest())
	if err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	h.drain(t)
	if !res.CacheHit || !res.Billable {
		t.Fatalf("hits should be billable when configured: %+v", res)
	}
}

func TestGenerateRenderTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, &spyGen{}, Config{})
	h.o.tracer = tp.Tracer(tracerName)

	if _, err := h.o.GenerateRender(context.Background(), overlayRequest()); err != nil {
		t.Fatalf("GenerateRender: %v", err)
	}
	h.drain(t)

	var root sdktrace.ReadOnlySpan
	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
		if s.Name() == "GenerateRender" {
			root = s
		}
	}
	if root == nil || !names["generate"] {
		t.Fatalf("expected GenerateRender and generate spans, got %v", names)
	}
	attrs := map[string]string{}
	for _, kv := range root.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["render.cache_hit"] != "false" || len(attrs["render.hash"]) != render.HashLen {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
