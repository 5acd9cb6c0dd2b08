package render

import (
	"testing"
)

func baseRequest() Request {
	return Request{
		UserID:        "u1",
		SourceSurface: SurfaceOutfitBuilder,
		Quality:       QualityFlash,
		Preset:        "overlay",
		View:          ViewFront,
		SlotSignature: map[string]string{"top": "itemA"},
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	r := baseRequest()

	h1, err := ComputeHash(r)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	for i := 0; i < 20; i++ {
		h2, err := ComputeHash(r)
		if err != nil {
			t.Fatalf("ComputeHash: %v", err)
		}
		if h1 != h2 {
			t.Fatalf("hash changed between calls: %s != %s", h1, h2)
		}
	}
	if len(h1) != HashLen || !h1.Valid() {
		t.Fatalf("unexpected hash shape: %q", h1)
	}
}

func TestComputeHashSlotOrderIndependent(t *testing.T) {
	a := baseRequest()
	a.SlotSignature = map[string]string{"top": "x", "bottom": "y", "shoes": "z"}

	b := baseRequest()
	b.SlotSignature = map[string]string{}
	// insert in a different order
	b.SlotSignature["shoes"] = "z"
	b.SlotSignature["bottom"] = "y"
	b.SlotSignature["top"] = "x"

	ha, _ := ComputeHash(a)
	hb, _ := ComputeHash(b)
	if ha != hb {
		t.Fatalf("slot order changed hash: %s != %s", ha, hb)
	}
}

func TestComputeHashDiscriminates(t *testing.T) {
	base, err := ComputeHash(baseRequest())
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"user", func(r *Request) { r.UserID = "u2" }},
		{"surface", func(r *Request) { r.SourceSurface = SurfaceTryOn }},
		{"quality", func(r *Request) { r.Quality = QualityPro }},
		{"preset", func(r *Request) { r.Preset = "studio" }},
		{"view", func(r *Request) { r.View = ViewBack }},
		{"keep pose", func(r *Request) { r.KeepPose = true }},
		{"face refs flag", func(r *Request) { r.UseFaceRefs = true }},
		{"slot item", func(r *Request) { r.SlotSignature = map[string]string{"top": "itemB"} }},
		{"slot name", func(r *Request) { r.SlotSignature = map[string]string{"bottom": "itemA"} }},
		{"extra slot", func(r *Request) { r.SlotSignature = map[string]string{"top": "itemA", "shoes": "s1"} }},
		{"face refs present", func(r *Request) { r.FaceRefsSignature = Str("f1") }},
		{"face refs empty string", func(r *Request) { r.FaceRefsSignature = Str("") }},
		{"base image", func(r *Request) { r.BaseImageSignature = Str("photo-1") }},
		{"base image empty string", func(r *Request) { r.BaseImageSignature = Str("") }},
	}

	seen := map[Hash]string{base: "base"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRequest()
			tt.mutate(&r)
			h, err := ComputeHash(r)
			if err != nil {
				t.Fatalf("ComputeHash: %v", err)
			}
			if prev, dup := seen[h]; dup {
				t.Fatalf("hash collides with %q", prev)
			}
			seen[h] = tt.name
		})
	}
}

func TestComputeHashAbsentVersusEmpty(t *testing.T) {
	absent := baseRequest()
	empty := baseRequest()
	empty.FaceRefsSignature = Str("")

	ha, _ := ComputeHash(absent)
	he, _ := ComputeHash(empty)
	if ha == he {
		t.Fatalf("absent and empty face refs must hash differently")
	}
}

func TestComputeHashEmptySlots(t *testing.T) {
	nilSlots := baseRequest()
	nilSlots.SlotSignature = nil
	emptySlots := baseRequest()
	emptySlots.SlotSignature = map[string]string{}

	hn, err := ComputeHash(nilSlots)
	if err != nil {
		t.Fatalf("ComputeHash nil slots: %v", err)
	}
	he, err := ComputeHash(emptySlots)
	if err != nil {
		t.Fatalf("ComputeHash empty slots: %v", err)
	}
	if hn != he {
		t.Fatalf("nil and empty slot maps should hash identically")
	}
}

func TestCanonicalIsStable(t *testing.T) {
	// Pins the encoding: a change here breaks every stored cache path.
	r := Request{
		UserID:        "u",
		SourceSurface: SurfaceChat,
		Quality:       QualityPro,
		Preset:        "p",
		View:          ViewSide,
	}
	got, err := Canonical(r)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	// map(11) 0:1 1:"u" 2:"chat" 3:"pro" 4:"p" 5:"side" 6:false 7:false 8:[] 9:null 10:null
	want := []byte{
		0xab,
		0x00, 0x01,
		0x01, 0x61, 'u',
		0x02, 0x64, 'c', 'h', 'a', 't',
		0x03, 0x63, 'p', 'r', 'o',
		0x04, 0x61, 'p',
		0x05, 0x64, 's', 'i', 'd', 'e',
		0x06, 0xf4,
		0x07, 0xf4,
		0x08, 0x80,
		0x09, 0xf6,
		0x0a, 0xf6,
	}
	if string(got) != string(want) {
		t.Fatalf("canonical encoding changed:\n got % x\nwant % x", got, want)
	}
}
