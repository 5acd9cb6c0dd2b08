package provider

import (
	"context"

	"wardrobe-render/internal/render"
)

// Image is one input image sent alongside the prompt.
type Image struct {
	Data     []byte
	MIMEType string
	// Role says what the image is for: base | garment | face.
	Role string
}

type Options struct {
	Quality     render.Quality
	AspectRatio string // e.g. "3:4"
	ImageSize   string // 1K | 2K | 4K
}

type Request struct {
	Prompt  string
	Images  []Image
	Options Options
}

// Output is the generated image and the model that produced it.
type Output struct {
	Data     []byte
	MIMEType string
	Model    string
}

// Provider generates one image. Errors are *render.Error values with a
// provider Kind so the retry policy and router can classify them.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Output, error)
}
