package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wardrobe-render/internal/render"
)

// renderCacheRow is the relational shape of an Entry.
type renderCacheRow struct {
	ID                string            `gorm:"primaryKey;size:36"`
	UserID            string            `gorm:"size:128;not null;uniqueIndex:idx_render_cache_user_hash"`
	RenderHash        string            `gorm:"size:64;not null;uniqueIndex:idx_render_cache_user_hash"`
	StoragePath       string            `gorm:"size:512;not null"`
	MIMEType          string            `gorm:"column:mime_type;size:64"`
	SourceSurface     string            `gorm:"size:32"`
	Quality           string            `gorm:"size:16"`
	Preset            string            `gorm:"size:128"`
	View              string            `gorm:"size:16"`
	KeepPose          bool
	UseFaceRefs       bool
	SlotSignature     map[string]string `gorm:"serializer:json;type:text"`
	FaceRefsSignature *string           `gorm:"size:256"`
	FaceRefCount      int               `gorm:"not null;default:0"`
	Model             string            `gorm:"size:128"`
	HitCount          int64             `gorm:"not null;default:0"`
	LastHitAt         time.Time
	ExpiresAt         time.Time `gorm:"not null;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (renderCacheRow) TableName() string {
	return "render_cache"
}

// upsertColumns are overwritten when (user_id, render_hash) already exists.
var upsertColumns = []string{
	"storage_path", "mime_type",
	"source_surface", "quality", "preset", "view", "keep_pose", "use_face_refs",
	"slot_signature", "face_refs_signature", "face_ref_count", "model",
	"expires_at", "updated_at",
}

// SQLMetadataStore persists entries through GORM (Postgres in production,
// SQLite locally).
type SQLMetadataStore struct {
	db *gorm.DB
}

func NewSQLMetadataStore(db *gorm.DB) *SQLMetadataStore {
	return &SQLMetadataStore{db: db}
}

// Migrate creates or updates the render_cache table.
func (s *SQLMetadataStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&renderCacheRow{})
}

func (s *SQLMetadataStore) Get(ctx context.Context, userID string, hash render.Hash, now time.Time) (*Entry, error) {
	var row renderCacheRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND render_hash = ? AND expires_at > ?", userID, string(hash), now.UTC()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql get failed: %w", err)
	}
	return row.toEntry(), nil
}

func (s *SQLMetadataStore) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	row := rowFromEntry(e)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.HitCount = 0

	var stored renderCacheRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired row awaiting the sweep is replaced, not merged into
		expired := tx.Where("user_id = ? AND render_hash = ? AND expires_at <= ?",
			e.UserID, string(e.RenderHash), e.UpdatedAt.UTC())
		if err := expired.Delete(&renderCacheRow{}).Error; err != nil {
			return fmt.Errorf("sql clear expired failed: %w", err)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "render_hash"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("sql upsert failed: %w", err)
		}
		if err := tx.Where("user_id = ? AND render_hash = ?", e.UserID, string(e.RenderHash)).Take(&stored).Error; err != nil {
			return fmt.Errorf("sql upsert read-back failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored.toEntry(), nil
}

func (s *SQLMetadataStore) IncrementHit(ctx context.Context, userID string, hash render.Hash, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&renderCacheRow{}).
		Where("user_id = ? AND render_hash = ?", userID, string(hash)).
		UpdateColumns(map[string]any{
			"hit_count":   gorm.Expr("hit_count + ?", 1),
			"last_hit_at": at.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("sql hit update failed: %w", err)
	}
	return nil
}

func rowFromEntry(e *Entry) renderCacheRow {
	return renderCacheRow{
		ID:                e.ID,
		UserID:            e.UserID,
		RenderHash:        string(e.RenderHash),
		StoragePath:       e.StoragePath,
		MIMEType:          e.MIMEType,
		SourceSurface:     string(e.SourceSurface),
		Quality:           string(e.Quality),
		Preset:            e.Preset,
		View:              string(e.View),
		KeepPose:          e.KeepPose,
		UseFaceRefs:       e.UseFaceRefs,
		SlotSignature:     e.SlotSignature,
		FaceRefsSignature: e.FaceRefsSignature,
		FaceRefCount:      e.FaceRefCount,
		Model:             e.Model,
		HitCount:          e.HitCount,
		LastHitAt:         e.LastHitAt.UTC(),
		ExpiresAt:         e.ExpiresAt.UTC(),
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
	}
}

func (r renderCacheRow) toEntry() *Entry {
	return &Entry{
		ID:                r.ID,
		UserID:            r.UserID,
		RenderHash:        render.Hash(r.RenderHash),
		StoragePath:       r.StoragePath,
		MIMEType:          r.MIMEType,
		SourceSurface:     render.Surface(r.SourceSurface),
		Quality:           render.Quality(r.Quality),
		Preset:            r.Preset,
		View:              render.View(r.View),
		KeepPose:          r.KeepPose,
		UseFaceRefs:       r.UseFaceRefs,
		SlotSignature:     r.SlotSignature,
		FaceRefsSignature: r.FaceRefsSignature,
		FaceRefCount:      r.FaceRefCount,
		Model:             r.Model,
		HitCount:          r.HitCount,
		LastHitAt:         r.LastHitAt,
		ExpiresAt:         r.ExpiresAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
