package render

import (
	"fmt"
	"sort"
	"strings"
)

// Surface identifies the UI flow that originated a render request.
type Surface string

const (
	SurfaceOutfitBuilder Surface = "outfit_builder"
	SurfaceTryOn         Surface = "try_on"
	SurfaceChat          Surface = "chat"
	SurfaceGarmentStudio Surface = "garment_studio"
)

type Quality string

const (
	QualityFlash Quality = "flash"
	QualityPro   Quality = "pro"
)

type View string

const (
	ViewFront View = "front"
	ViewBack  View = "back"
	ViewSide  View = "side"
)

// DefaultSlots lists the wardrobe slots a request may fill, in the order the
// prompt and GenerationResult.SlotsUsed present them.
var DefaultSlots = []string{
	"top",
	"bottom",
	"dress",
	"outerwear",
	"shoes",
	"bag",
	"hat",
	"accessory",
}

// Request describes a desired render. Optional fields are pointers: nil means
// absent, which hashes differently from a pointer to "".
type Request struct {
	UserID             string            `json:"user_id"`
	SourceSurface      Surface           `json:"source_surface"`
	Quality            Quality           `json:"quality"`
	Preset             string            `json:"preset"`
	View               View              `json:"view"`
	KeepPose           bool              `json:"keep_pose"`
	UseFaceRefs        bool              `json:"use_face_refs"`
	SlotSignature      map[string]string `json:"slot_signature"`
	FaceRefsSignature  *string           `json:"face_refs_signature,omitempty"`
	BaseImageSignature *string           `json:"base_image_signature,omitempty"`
}

// Validator rejects malformed requests at the boundary.
type Validator struct {
	slots map[string]int
}

// NewValidator builds a validator for the given slot catalogue. A nil or
// empty catalogue falls back to DefaultSlots.
func NewValidator(slots []string) *Validator {
	if len(slots) == 0 {
		slots = DefaultSlots
	}
	v := &Validator{slots: make(map[string]int, len(slots))}
	for i, s := range slots {
		v.slots[s] = i
	}
	return v
}

func (v *Validator) Validate(r *Request) error {
	if r == nil {
		return Validationf("request is nil")
	}
	var problems []string
	if strings.TrimSpace(r.UserID) == "" {
		problems = append(problems, "user_id is required")
	} else if strings.ContainsAny(r.UserID, `/\`) || strings.Contains(r.UserID, "..") {
		// user id is a storage path segment
		problems = append(problems, "user_id contains path separators")
	}
	switch r.SourceSurface {
	case SurfaceOutfitBuilder, SurfaceTryOn, SurfaceChat, SurfaceGarmentStudio:
	default:
		problems = append(problems, fmt.Sprintf("unknown source_surface %q", r.SourceSurface))
	}
	switch r.Quality {
	case QualityFlash, QualityPro:
	default:
		problems = append(problems, fmt.Sprintf("unknown quality %q", r.Quality))
	}
	switch r.View {
	case ViewFront, ViewBack, ViewSide:
	default:
		problems = append(problems, fmt.Sprintf("unknown view %q", r.View))
	}
	if strings.TrimSpace(r.Preset) == "" {
		problems = append(problems, "preset is required")
	}
	for _, name := range sortedKeys(r.SlotSignature) {
		if _, ok := v.slots[name]; !ok {
			problems = append(problems, fmt.Sprintf("unknown slot %q", name))
			continue
		}
		if strings.TrimSpace(r.SlotSignature[name]) == "" {
			problems = append(problems, fmt.Sprintf("slot %q has an empty item id", name))
		}
	}
	if len(problems) > 0 {
		return Validationf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// OrderedSlots returns the filled slot names in catalogue order.
func (v *Validator) OrderedSlots(r *Request) []string {
	names := sortedKeys(r.SlotSignature)
	sort.SliceStable(names, func(i, j int) bool {
		return v.slots[names[i]] < v.slots[names[j]]
	})
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Image is the rendered picture handed back to the caller. StoragePath is the
// stable reference; URL is resolved per response and Data is only set when
// the image could not be cached.
type Image struct {
	StoragePath string `json:"storage_path,omitempty"`
	URL         string `json:"url,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Result is what GenerateRender returns.
type Result struct {
	RenderHash         Hash     `json:"render_hash"`
	Image              Image    `json:"image"`
	Model              string   `json:"model"`
	SlotsUsed          []string `json:"slots_used"`
	FaceReferencesUsed int      `json:"face_references_used"`
	CacheHit           bool     `json:"cache_hit"`
	HitCount           int64    `json:"hit_count"`
	Billable           bool     `json:"billable"`
	Warnings           []string `json:"warnings,omitempty"`
}

// Str is a convenience for optional string fields.
func Str(s string) *string { return &s }
