package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wardrobe-render/internal/cache"
	"wardrobe-render/internal/provider"
	"wardrobe-render/internal/render"
)

// Assets are the input images behind a request's signatures.
type Assets struct {
	Base     *provider.Image
	Garments []provider.Image // slot order
	Faces    []provider.Image
}

// Images returns the provider input order: base, garments, faces.
func (a *Assets) Images() []provider.Image {
	out := make([]provider.Image, 0, len(a.Garments)+len(a.Faces)+1)
	if a.Base != nil {
		out = append(out, *a.Base)
	}
	out = append(out, a.Garments...)
	return append(out, a.Faces...)
}

// AssetResolver loads the images a request refers to.
type AssetResolver interface {
	Resolve(ctx context.Context, req *render.Request, slots []string) (*Assets, error)
}

// BlobAssets reads assets from a BlobStore:
//
//	subjects/{userId}/{baseImageSignature}
//	wardrobe/{userId}/{itemId}
//	faces/{userId}/{faceRefsSignature}/{n}   n = 0..MaxFaces-1
type BlobAssets struct {
	blobs    cache.BlobStore
	maxFaces int
}

func NewBlobAssets(blobs cache.BlobStore, maxFaces int) *BlobAssets {
	if maxFaces <= 0 {
		maxFaces = 3
	}
	return &BlobAssets{blobs: blobs, maxFaces: maxFaces}
}

func (b *BlobAssets) Resolve(ctx context.Context, req *render.Request, slots []string) (*Assets, error) {
	a := &Assets{}

	if req.BaseImageSignature != nil && *req.BaseImageSignature != "" {
		img, err := b.load(ctx, "base", "subjects", req.UserID, *req.BaseImageSignature)
		if err != nil {
			return nil, err
		}
		a.Base = img
	}

	for _, slot := range slots {
		img, err := b.load(ctx, "garment", "wardrobe", req.UserID, req.SlotSignature[slot])
		if err != nil {
			return nil, err
		}
		a.Garments = append(a.Garments, *img)
	}

	if req.UseFaceRefs && req.FaceRefsSignature != nil && *req.FaceRefsSignature != "" {
		for n := 0; n < b.maxFaces; n++ {
			img, err := b.load(ctx, "face", "faces", req.UserID, *req.FaceRefsSignature, fmt.Sprint(n))
			if errors.Is(err, render.ErrValidation) {
				break
			}
			if err != nil {
				return nil, err
			}
			a.Faces = append(a.Faces, *img)
		}
		if len(a.Faces) == 0 {
			return nil, render.Validationf("face references %q not found", *req.FaceRefsSignature)
		}
	}
	return a, nil
}

func (b *BlobAssets) load(ctx context.Context, role string, segments ...string) (*provider.Image, error) {
	for _, s := range segments[1:] {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			return nil, render.Validationf("invalid %s reference %q", role, s)
		}
	}
	p := strings.Join(segments, "/")
	data, ct, err := b.blobs.Get(ctx, p)
	if errors.Is(err, cache.ErrBlobNotFound) {
		return nil, render.Validationf("%s asset %s not found", role, p)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s asset: %w", role, err)
	}
	return &provider.Image{Data: data, MIMEType: ct, Role: role}, nil
}
