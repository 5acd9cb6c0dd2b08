package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// BlobStore holds image bytes under slash-separated paths.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, string, error)
	// SignedURL returns a time-limited URL for path.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	// PublicURL returns the unsigned URL for path.
	PublicURL(path string) string
}

var (
	ErrBlobNotFound = errors.New("blob: not found")
	ErrInvalidPath  = errors.New("blob: invalid path")
)

// CleanPath rejects absolute paths and parent traversal.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	return c, nil
}

// LocalBlobStore writes blobs below Root. Signed URLs point at
// BaseURL/blobs/<path>?token=<jwt>, public URLs at BaseURL/public/<path>.
type LocalBlobStore struct {
	root    string
	baseURL string
	signer  *URLSigner
}

func NewLocalBlobStore(root, baseURL string, signer *URLSigner) (*LocalBlobStore, error) {
	if root == "" {
		return nil, errors.New("blob: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &LocalBlobStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}, nil
}

func (s *LocalBlobStore) fsPath(p string) (string, error) {
	c, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(c)), nil
}

// Put writes atomically via a temp file and rename.
func (s *LocalBlobStore) Put(ctx context.Context, p string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.fsPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return fmt.Errorf("blob: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("blob: rename: %w", err)
	}
	return nil
}

func (s *LocalBlobStore) Get(ctx context.Context, p string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	src, err := s.fsPath(p)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrBlobNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("blob: read: %w", err)
	}
	return data, contentTypeFor(p, data), nil
}

func (s *LocalBlobStore) SignedURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("blob: url signing not configured")
	}
	c, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	token, err := s.signer.Sign(c, ttl)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/blobs/" + escapePath(c) + "?token=" + url.QueryEscape(token), nil
}

func (s *LocalBlobStore) PublicURL(p string) string {
	return s.baseURL + "/public/" + escapePath(p)
}

// MemoryBlobStore keeps blobs in process. Tests use it, and Fail lets
// them inject write errors.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]memoryBlob
	baseURL string
	signer  *URLSigner

	Fail error
}

type memoryBlob struct {
	data        []byte
	contentType string
}

func NewMemoryBlobStore(baseURL string, signer *URLSigner) *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:   make(map[string]memoryBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, p string, data []byte, contentType string) error {
	c, err := CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if contentType == "" {
		contentType = contentTypeFor(c, data)
	}
	s.blobs[c] = memoryBlob{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, p string) ([]byte, string, error) {
	c, err := CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	b, ok := s.blobs[c]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrBlobNotFound
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}

func (s *MemoryBlobStore) SignedURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	if s.signer == nil {
		return "", errors.New("blob: url signing not configured")
	}
	token, err := s.signer.Sign(p, ttl)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/blobs/" + escapePath(p) + "?token=" + url.QueryEscape(token), nil
}

func (s *MemoryBlobStore) PublicURL(p string) string {
	return s.baseURL + "/public/" + escapePath(p)
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func contentTypeFor(p string, data []byte) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	return http.DetectContentType(data)
}

// extensionFor maps an image MIME type to a file extension.
func extensionFor(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return "bin"
}
