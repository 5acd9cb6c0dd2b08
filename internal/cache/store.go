package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"wardrobe-render/internal/render"
)

type StoreConfig struct {
	// TTL is how long an entry stays live after each upsert.
	TTL time.Duration
	// SignedURLTTL is the lifetime of URLs handed back on lookup.
	SignedURLTTL time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.TTL <= 0 {
		c.TTL = 14 * 24 * time.Hour
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Store implements Cache on top of a MetadataStore and a BlobStore.
type Store struct {
	meta  MetadataStore
	blobs BlobStore
	cfg   StoreConfig
	urls  *ristretto.Cache
}

func NewStore(meta MetadataStore, blobs BlobStore, cfg StoreConfig) (*Store, error) {
	if meta == nil || blobs == nil {
		return nil, errors.New("cache: metadata and blob stores are required")
	}
	urls, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Store{meta: meta, blobs: blobs, cfg: cfg.withDefaults(), urls: urls}, nil
}

func (s *Store) Lookup(ctx context.Context, userID string, hash render.Hash) (*Entry, error) {
	e, err := s.meta.Get(ctx, userID, hash, s.cfg.Now())
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("cache lookup", err)
	}
	e.ImageURL = s.resolveURL(ctx, e.StoragePath)
	return e, nil
}

func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*Entry, error) {
	now := s.cfg.Now()
	req := in.Request
	e := &Entry{
		UserID:            in.UserID,
		RenderHash:        in.RenderHash,
		StoragePath:       in.StoragePath,
		MIMEType:          in.MIMEType,
		SourceSurface:     req.SourceSurface,
		Quality:           req.Quality,
		Preset:            req.Preset,
		View:              req.View,
		KeepPose:          req.KeepPose,
		UseFaceRefs:       req.UseFaceRefs,
		SlotSignature:     req.SlotSignature,
		FaceRefsSignature: req.FaceRefsSignature,
		FaceRefCount:      in.FaceRefCount,
		Model:             in.Model,
		LastHitAt:         now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored, err := s.meta.Upsert(ctx, e)
	if err != nil {
		return nil, unavailable("cache upsert", err)
	}
	stored.ImageURL = s.resolveURL(ctx, stored.StoragePath)
	return stored, nil
}

func (s *Store) RecordHit(ctx context.Context, userID string, hash render.Hash) error {
	if err := s.meta.IncrementHit(ctx, userID, hash, s.cfg.Now()); err != nil {
		return unavailable("cache record hit", err)
	}
	return nil
}

func (s *Store) PutBlob(ctx context.Context, userID string, hash render.Hash, data []byte, mimeType string) (string, error) {
	p := StoragePath(userID, hash, extensionFor(mimeType, data))
	if err := s.blobs.Put(ctx, p, data, mimeType); err != nil {
		return "", unavailable("blob put", err)
	}
	return p, nil
}

// resolveURL memoizes signed URLs for half their lifetime and falls back
// to the public URL when signing fails.
func (s *Store) resolveURL(ctx context.Context, p string) string {
	if v, ok := s.urls.Get(p); ok {
		if u, ok := v.(string); ok {
			return u
		}
		s.urls.Del(p)
	}

	u, err := s.blobs.SignedURL(ctx, p, s.cfg.SignedURLTTL)
	if err != nil {
		s.cfg.Logger.Warn("signed_url_failed",
			zap.String("storage_path", p),
			zap.Error(err),
		)
		// only resolvable when the deployment serves /public without signing
		return s.blobs.PublicURL(p)
	}
	s.urls.SetWithTTL(p, u, 1, s.cfg.SignedURLTTL/2)
	return u
}

// Close releases the URL memo.
func (s *Store) Close() {
	s.urls.Close()
}
