package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wardrobe-render/internal/render"
)

// MemoryMetadataStore keeps entries in process (dev and tests).
type MemoryMetadataStore struct {
	mu              sync.RWMutex
	items           map[string]*Entry
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryMetadataStore starts a background sweep that drops expired rows
// every cleanupInterval (default 5m). Lookups never rely on the sweep.
func NewMemoryMetadataStore(cleanupInterval time.Duration) *MemoryMetadataStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryMetadataStore{
		items:           make(map[string]*Entry),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	go s.cleanupExpired()

	return s
}

func memoryKey(userID string, hash render.Hash) string {
	return userID + ":" + string(hash)
}

func (s *MemoryMetadataStore) Get(_ context.Context, userID string, hash render.Hash, now time.Time) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.items[memoryKey(userID, hash)]
	s.mu.RUnlock()

	if !ok || !e.ExpiresAt.After(now) {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryMetadataStore) Upsert(_ context.Context, e *Entry) (*Entry, error) {
	k := memoryKey(e.UserID, e.RenderHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := e.Clone()
	// a replaced entry that had already expired starts a new lifecycle
	if prev, ok := s.items[k]; ok && prev.ExpiresAt.After(e.UpdatedAt) {
		stored.ID = prev.ID
		stored.CreatedAt = prev.CreatedAt
		stored.HitCount = prev.HitCount
		stored.LastHitAt = prev.LastHitAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.HitCount = 0
	}
	stored.ImageURL = ""
	s.items[k] = stored
	return stored.Clone(), nil
}

func (s *MemoryMetadataStore) IncrementHit(_ context.Context, userID string, hash render.Hash, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[memoryKey(userID, hash)]
	if !ok {
		return nil
	}
	e.HitCount++
	e.LastHitAt = at
	return nil
}

// Put stores e as-is, bypassing upsert semantics. Tests use it to seed
// rows such as already-expired entries.
func (s *MemoryMetadataStore) Put(e *Entry) {
	s.mu.Lock()
	s.items[memoryKey(e.UserID, e.RenderHash)] = e.Clone()
	s.mu.Unlock()
}

// cleanupExpired runs periodically to remove expired entries.
func (s *MemoryMetadataStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

// Sweep removes every entry that expired at or before now.
func (s *MemoryMetadataStore) Sweep(now time.Time) int {
	removed := 0
	s.mu.Lock()
	for k, e := range s.items {
		if !e.ExpiresAt.After(now) {
			delete(s.items, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (s *MemoryMetadataStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of stored rows, expired or not.
func (s *MemoryMetadataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
