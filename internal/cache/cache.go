package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wardrobe-render/internal/render"
)

// Entry is one cached render, unique per (UserID, RenderHash).
type Entry struct {
	ID         string
	UserID     string
	RenderHash render.Hash

	StoragePath string
	MIMEType    string
	// ImageURL is resolved on every lookup and never persisted.
	ImageURL string

	SourceSurface     render.Surface
	Quality           render.Quality
	Preset            string
	View              render.View
	KeepPose          bool
	UseFaceRefs       bool
	SlotSignature     map[string]string
	FaceRefsSignature *string
	FaceRefCount      int
	Model             string

	HitCount  int64
	LastHitAt time.Time

	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers never alias a backend's state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.SlotSignature != nil {
		c.SlotSignature = make(map[string]string, len(e.SlotSignature))
		for k, v := range e.SlotSignature {
			c.SlotSignature[k] = v
		}
	}
	if e.FaceRefsSignature != nil {
		s := *e.FaceRefsSignature
		c.FaceRefsSignature = &s
	}
	return &c
}

// UpsertInput carries the payload and provenance of a fresh generation.
type UpsertInput struct {
	UserID      string
	RenderHash  render.Hash
	StoragePath string
	MIMEType    string
	Request     render.Request
	Model       string
	// FaceRefCount is how many face images the generation used.
	FaceRefCount int
}

// Cache is the render cache used by the orchestrator. Every method is
// scoped to one user.
type Cache interface {
	// Lookup returns a live entry with ImageURL resolved, or ErrNotFound.
	Lookup(ctx context.Context, userID string, hash render.Hash) (*Entry, error)
	// Upsert creates or refreshes the entry for (UserID, RenderHash).
	Upsert(ctx context.Context, in UpsertInput) (*Entry, error)
	// RecordHit bumps hit accounting; a missing entry is not an error.
	RecordHit(ctx context.Context, userID string, hash render.Hash) error
	// PutBlob writes the image and returns its storage path.
	PutBlob(ctx context.Context, userID string, hash render.Hash, data []byte, mimeType string) (string, error)
}

// MetadataStore persists entries keyed by (UserID, RenderHash).
type MetadataStore interface {
	// Get returns the entry only if its ExpiresAt is after now.
	Get(ctx context.Context, userID string, hash render.Hash, now time.Time) (*Entry, error)
	// Upsert inserts e or, on conflict, overwrites payload, provenance,
	// model, ExpiresAt and UpdatedAt while keeping ID, CreatedAt and hit
	// accounting. It returns the stored row.
	Upsert(ctx context.Context, e *Entry) (*Entry, error)
	// IncrementHit adds exactly one hit. Missing entries are a no-op.
	IncrementHit(ctx context.Context, userID string, hash render.Hash, at time.Time) error
}

// ErrNotFound is a clean miss.
var ErrNotFound = errors.New("cache: entry not found")

// StoragePath is the blob path for a render: cache/{userId}/{renderHash}.{ext}.
func StoragePath(userID string, hash render.Hash, ext string) string {
	return fmt.Sprintf("cache/%s/%s.%s", userID, hash, ext)
}

func unavailable(op string, err error) error {
	return &render.Error{Kind: render.KindCacheUnavailable, Msg: op, Err: err}
}
