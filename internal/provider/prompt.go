package provider

import (
	"fmt"
	"strings"

	"wardrobe-render/internal/render"
)

// PromptInput is everything the prompt depends on. Both providers get the
// same prompt for the same input.
type PromptInput struct {
	Preset       string
	View         render.View
	KeepPose     bool
	HasBaseImage bool
	// Slots are the garment slots in the order their images are attached.
	Slots     []string
	FaceCount int
}

var presetStyles = map[string]string{
	"studio":  "a clean, evenly lit photo studio with a seamless light-grey backdrop",
	"street":  "a natural city street in soft daylight",
	"overlay": "the original photo's setting, changing only the clothing",
	"runway":  "a fashion runway with directional spotlights",
}

var viewPhrases = map[render.View]string{
	render.ViewFront: "facing the camera",
	render.ViewBack:  "seen from behind",
	render.ViewSide:  "in a side profile",
}

// BuildPrompt renders the instruction text for one try-on generation.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	if in.HasBaseImage {
		b.WriteString("Edit the first image: dress the person shown in it")
	} else {
		b.WriteString("Generate a full-body photo of a person")
	}

	if len(in.Slots) > 0 {
		b.WriteString(" wearing the garments from the following images, in order: ")
		b.WriteString(strings.Join(in.Slots, ", "))
	}
	b.WriteString(".")

	view := viewPhrases[in.View]
	if view == "" {
		view = viewPhrases[render.ViewFront]
	}
	fmt.Fprintf(&b, " Show the person %s.", view)

	if in.KeepPose && in.HasBaseImage {
		b.WriteString(" Keep the exact pose, body shape and framing of the original photo.")
	}

	if in.FaceCount > 0 {
		fmt.Fprintf(&b, " Use the last %d image(s) as face references and preserve the person's identity.", in.FaceCount)
	}

	if s, ok := presetStyles[strings.ToLower(in.Preset)]; ok {
		fmt.Fprintf(&b, " Setting: %s.", s)
	} else if in.Preset != "" {
		fmt.Fprintf(&b, " Style preset: %s.", in.Preset)
	}

	b.WriteString(" Reproduce each garment's colour, pattern, fabric and fit faithfully. Photorealistic, no text or watermarks.")
	return b.String()
}
