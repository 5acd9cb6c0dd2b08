package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wardrobe-render/internal/cache"
	"wardrobe-render/internal/render"
	"wardrobe-render/pkg/logging/logging"
)

// Renderer is the orchestrator as seen by HTTP.
type Renderer interface {
	GenerateRender(ctx context.Context, req *render.Request) (*render.Result, error)
}

// RenderHandler holds dependencies for the /v1/renders endpoints.
type RenderHandler struct {
	Renders Renderer
	Cache   cache.Cache
}

func NewRenderHandler(renders Renderer, c cache.Cache) *RenderHandler {
	return &RenderHandler{Renders: renders, Cache: c}
}

// userID is set by the auth proxy in front of this service.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// CreateRender handles POST /v1/renders.
func (h *RenderHandler) CreateRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "X-User-ID header is required")
		return
	}

	var req render.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not a valid render request")
		return
	}
	if req.UserID != "" && req.UserID != user {
		writeError(w, http.StatusForbidden, "forbidden", "user_id does not match the authenticated user")
		return
	}
	req.UserID = user

	res, err := h.Renders.GenerateRender(ctx, &req)
	if err != nil {
		status := statusFor(err)
		fields := []zap.Field{
			zap.String("user_id", user),
			zap.String("kind", render.KindOf(err).String()),
			zap.Int("status", status),
			zap.Duration("total_latency_ms", time.Since(start)),
			zap.Error(err),
		}
		if status >= 500 {
			logger.Error("render_failed", fields...)
		} else {
			logger.Info("render_rejected", fields...)
		}
		writeRenderError(w, status, err)
		return
	}

	logger.Info("cache_decision",
		zap.String("user_id", user),
		zap.String("render_hash", string(res.RenderHash)),
		zap.Bool("cache_hit", res.CacheHit),
		zap.Int64("hit_count", res.HitCount),
		zap.String("model", res.Model),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	status := http.StatusOK
	if !res.CacheHit {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

type entryView struct {
	RenderHash    render.Hash       `json:"render_hash"`
	StoragePath   string            `json:"storage_path"`
	ImageURL      string            `json:"image_url"`
	MIMEType      string            `json:"mime_type"`
	Model         string            `json:"model"`
	SourceSurface render.Surface    `json:"source_surface"`
	Quality       render.Quality    `json:"quality"`
	Preset        string            `json:"preset"`
	View          render.View       `json:"view"`
	SlotSignature map[string]string `json:"slot_signature"`
	HitCount      int64             `json:"hit_count"`
	LastHitAt     time.Time         `json:"last_hit_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// GetRender handles GET /v1/renders/{hash}. It reads the cache without
// counting a hit.
func (h *RenderHandler) GetRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user := userID(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "X-User-ID header is required")
		return
	}
	hash := render.Hash(chi.URLParam(r, "hash"))
	if !hash.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_hash", "render hash must be 64 lowercase hex characters")
		return
	}

	e, err := h.Cache.Lookup(ctx, user, hash)
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no live render for this hash")
		return
	}
	if err != nil {
		logging.L(ctx).Warn("render_lookup_failed", zap.Error(err))
		writeRenderError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, entryView{
		RenderHash:    e.RenderHash,
		StoragePath:   e.StoragePath,
		ImageURL:      e.ImageURL,
		MIMEType:      e.MIMEType,
		Model:         e.Model,
		SourceSurface: e.SourceSurface,
		Quality:       e.Quality,
		Preset:        e.Preset,
		View:          e.View,
		SlotSignature: e.SlotSignature,
		HitCount:      e.HitCount,
		LastHitAt:     e.LastHitAt,
		ExpiresAt:     e.ExpiresAt,
		CreatedAt:     e.CreatedAt,
	})
}
