package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wardrobe-render/internal/render"
)

func metadataStores(t *testing.T) map[string]MetadataStore {
	t.Helper()

	mem := NewMemoryMetadataStore(time.Hour)
	t.Cleanup(func() { _ = mem.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlStore := NewSQLMetadataStore(db)
	if err := sqlStore.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]MetadataStore{
		"memory": mem,
		"sql":    sqlStore,
		"redis":  NewRedisMetadataStore(client, RedisConfig{Prefix: "test"}),
	}
}

const testHash = render.Hash("4f2a0000000000000000000000000000000000000000000000000000000000aa")

func newEntry(now time.Time, path string) *Entry {
	return &Entry{
		UserID:        "u1",
		RenderHash:    testHash,
		StoragePath:   path,
		MIMEType:      "image/png",
		SourceSurface: render.SurfaceOutfitBuilder,
		Quality:       render.QualityFlash,
		Preset:        "studio",
		View:          render.ViewFront,
		SlotSignature: map[string]string{"top": "t1", "bottom": "b1"},
		Model:         "flash-model",
		LastHitAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMetadataStoreUpsertAndGet(t *testing.T) {
	for name, s := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			if _, err := s.Get(ctx, "u1", testHash, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound before upsert, got %v", err)
			}

			stored, err := s.Upsert(ctx, newEntry(now, "cache/u1/a.png"))
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if stored.ID == "" {
				t.Fatalf("expected an id to be assigned")
			}
			if stored.HitCount != 0 {
				t.Fatalf("expected hit count 0 on insert, got %d", stored.HitCount)
			}

			got, err := s.Get(ctx, "u1", testHash, now)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.StoragePath != "cache/u1/a.png" || got.Model != "flash-model" {
				t.Fatalf("unexpected entry: %+v", got)
			}
			if got.SlotSignature["top"] != "t1" || got.Quality != render.QualityFlash {
				t.Fatalf("provenance not persisted: %+v", got)
			}
			if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
				t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, now.Add(time.Hour))
			}

			// other users never see the entry
			if _, err := s.Get(ctx, "u2", testHash, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected cross-user miss, got %v", err)
			}
		})
	}
}

func TestMetadataStoreUpsertKeepsIdentityAndHits(t *testing.T) {
	for name, s := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			first, err := s.Upsert(ctx, newEntry(now, "cache/u1/a.png"))
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.IncrementHit(ctx, "u1", testHash, now.Add(time.Minute)); err != nil {
				t.Fatalf("IncrementHit: %v", err)
			}

			later := now.Add(10 * time.Minute)
			e := newEntry(later, "cache/u1/b.png")
			e.Model = "fallback-model"
			second, err := s.Upsert(ctx, e)
			if err != nil {
				t.Fatalf("second Upsert: %v", err)
			}

			if second.ID != first.ID {
				t.Fatalf("id changed on conflict: %q -> %q", first.ID, second.ID)
			}
			if !second.CreatedAt.Equal(first.CreatedAt) {
				t.Fatalf("created_at changed on conflict")
			}
			if second.HitCount != 1 {
				t.Fatalf("hit count should survive upsert, got %d", second.HitCount)
			}
			if second.StoragePath != "cache/u1/b.png" || second.Model != "fallback-model" {
				t.Fatalf("payload not overwritten: %+v", second)
			}
			if !second.ExpiresAt.Equal(later.Add(time.Hour)) {
				t.Fatalf("expires_at not refreshed: %v", second.ExpiresAt)
			}
		})
	}
}

func TestMetadataStoreUpsertAfterExpiryStartsFresh(t *testing.T) {
	for name, s := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			first, err := s.Upsert(ctx, newEntry(now, "cache/u1/a.png"))
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := s.IncrementHit(ctx, "u1", testHash, now.Add(time.Minute)); err != nil {
				t.Fatalf("IncrementHit: %v", err)
			}

			// the first entry expired at now+1h and was never swept
			later := now.Add(2 * time.Hour)
			second, err := s.Upsert(ctx, newEntry(later, "cache/u1/b.png"))
			if err != nil {
				t.Fatalf("second Upsert: %v", err)
			}

			if second.ID == first.ID {
				t.Fatalf("expired entry kept its id %q", first.ID)
			}
			if second.HitCount != 0 {
				t.Fatalf("expired entry kept its hits: %d", second.HitCount)
			}
			if !second.CreatedAt.Equal(later) {
				t.Fatalf("created_at = %v, want %v", second.CreatedAt, later)
			}

			got, err := s.Get(ctx, "u1", testHash, later)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ID != second.ID || got.StoragePath != "cache/u1/b.png" {
				t.Fatalf("Get = %+v", got)
			}
		})
	}
}

func TestMetadataStoreIncrementHit(t *testing.T) {
	for name, s := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			// missing entries are a no-op
			if err := s.IncrementHit(ctx, "u1", testHash, now); err != nil {
				t.Fatalf("IncrementHit on missing entry: %v", err)
			}
			if _, err := s.Get(ctx, "u1", testHash, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("IncrementHit must not create entries, got %v", err)
			}

			if _, err := s.Upsert(ctx, newEntry(now, "cache/u1/a.png")); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			hitAt := now.Add(2 * time.Minute)
			for i := 0; i < 3; i++ {
				if err := s.IncrementHit(ctx, "u1", testHash, hitAt); err != nil {
					t.Fatalf("IncrementHit: %v", err)
				}
			}

			got, err := s.Get(ctx, "u1", testHash, now)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.HitCount != 3 {
				t.Fatalf("expected 3 hits, got %d", got.HitCount)
			}
			if !got.LastHitAt.Equal(hitAt) {
				t.Fatalf("last_hit_at = %v, want %v", got.LastHitAt, hitAt)
			}
		})
	}
}

func TestMetadataStoreExpiredIsMiss(t *testing.T) {
	for name, s := range metadataStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			if _, err := s.Upsert(ctx, newEntry(now, "cache/u1/a.png")); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			// exactly at expiry is already expired
			if _, err := s.Get(ctx, "u1", testHash, now.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected miss at expires_at, got %v", err)
			}
			if _, err := s.Get(ctx, "u1", testHash, now.Add(time.Hour-time.Second)); err != nil {
				t.Fatalf("expected hit just before expiry, got %v", err)
			}
		})
	}
}

func TestMemoryMetadataStoreSweep(t *testing.T) {
	s := NewMemoryMetadataStore(time.Hour)
	defer s.Close()

	now := time.Now()
	live := newEntry(now, "cache/u1/a.png")
	dead := newEntry(now, "cache/u1/b.png")
	dead.RenderHash = render.Hash("dead")
	dead.ExpiresAt = now.Add(-time.Second)
	s.Put(live)
	s.Put(dead)

	if removed := s.Sweep(now); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", s.Len())
	}
}

func TestNewMetadataStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := NewMetadataStore(Config{Backend: "dynamo"}, nil, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if _, err := NewMetadataStore(Config{Backend: "sql"}, nil, nil); err == nil {
		t.Fatalf("expected error for sql backend without db")
	}
	s, err := NewMetadataStore(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	if m, ok := s.(*MemoryMetadataStore); !ok {
		t.Fatalf("expected memory store by default, got %T", s)
	} else {
		_ = m.Close()
	}
}
