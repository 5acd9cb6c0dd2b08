package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wardrobe-render/internal/cache"
	"wardrobe-render/pkg/logging/logging"
)

// BlobHandler serves stored images for URLs minted by the cache store.
type BlobHandler struct {
	Blobs  cache.BlobStore
	Signer *cache.URLSigner
}

func NewBlobHandler(blobs cache.BlobStore, signer *cache.URLSigner) *BlobHandler {
	return &BlobHandler{Blobs: blobs, Signer: signer}
}

// Public reports whether unsigned /public URLs are served. They are only
// handed out when no signing key is configured.
func (h *BlobHandler) Public() bool { return h.Signer == nil }

// Signed handles GET /blobs/* with a ?token= issued for exactly that path.
func (h *BlobHandler) Signed(w http.ResponseWriter, r *http.Request) {
	if h.Signer == nil {
		writeError(w, http.StatusNotFound, "not_found", "signed urls are not enabled")
		return
	}
	p, err := cache.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	switch err := h.Signer.Verify(r.URL.Query().Get("token"), p); {
	case errors.Is(err, cache.ErrTokenExpired):
		writeError(w, http.StatusGone, "expired", "signed url has expired")
		return
	case err != nil:
		writeError(w, http.StatusForbidden, "forbidden", "invalid url signature")
		return
	}

	h.serve(w, r, p, "private, max-age=300")
}

// PublicBlob handles GET /public/*. With signing enabled these URLs only
// appear as a degraded fallback when minting a signature failed.
func (h *BlobHandler) PublicBlob(w http.ResponseWriter, r *http.Request) {
	if !h.Public() {
		writeError(w, http.StatusNotFound, "not_found", "public urls are disabled; use a signed url")
		return
	}
	p, err := cache.CleanPath(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	h.serve(w, r, p, "public, max-age=86400, immutable")
}

func (h *BlobHandler) serve(w http.ResponseWriter, r *http.Request, p, cacheControl string) {
	data, ct, err := h.Blobs.Get(r.Context(), p)
	if errors.Is(err, cache.ErrBlobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such blob")
		return
	}
	if err != nil {
		logging.L(r.Context()).Error("blob_read_failed", zap.String("storage_path", p), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_server_error", "blob read failed")
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}
