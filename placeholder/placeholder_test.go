package placeholder

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/surface"
)

func testConfig(bounds string) *config.PlaceholderConfig {
	c := &config.PlaceholderConfig{Bounds: bounds}
	c.SetDefaults()
	return c
}

func gradient(page, w, h int) *surface.Surface {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return surface.New(page, img)
}

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("ph-%d", n)
	})
}

func TestRegisterSnapshotsBeforeMarker(t *testing.T) {
	s := gradient(1, 300, 200)
	want, err := s.Snapshot(image.Rect(40, 60, 140, 110))
	if err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(testConfig(""), sequentialIDs())
	p, err := tr.Register(s, image.Pt(40, 60))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if p.ID != "ph-1" || p.Page != 1 {
		t.Errorf("placeholder = %+v", p)
	}
	if p.Rect() != image.Rect(40, 60, 140, 110) {
		t.Errorf("Rect = %v", p.Rect())
	}
	for i := range want.Pix {
		if p.Original.Pix[i] != want.Pix[i] {
			t.Fatalf("snapshot differs from pre-marker pixels at byte %d", i)
		}
	}
	if got := s.At(90, 80); got != (color.RGBA{255, 255, 0, 255}) {
		t.Errorf("marker pixel = %v, want yellow", got)
	}
	if got := s.At(39, 60); got != (color.RGBA{39, 60, 7, 255}) {
		t.Errorf("pixel left of marker changed: %v", got)
	}
}

func TestRegisterOrder(t *testing.T) {
	s1 := gradient(1, 300, 200)
	s2 := gradient(2, 300, 200)
	tr := NewTracker(testConfig(""), sequentialIDs())

	// Click order, not page order.
	for _, s := range []*surface.Surface{s2, s1, s2} {
		if _, err := tr.Register(s, image.Pt(0, 0)); err != nil {
			t.Fatal(err)
		}
	}

	if tr.Len() != 3 {
		t.Fatalf("Len = %d", tr.Len())
	}
	pages := []int{2, 1, 2}
	for i, p := range tr.List() {
		if p.Page != pages[i] {
			t.Errorf("List()[%d].Page = %d, want %d", i, p.Page, pages[i])
		}
	}
	if p, ok := tr.At(1); !ok || p.ID != "ph-2" {
		t.Errorf("At(1) = %v, %v", p, ok)
	}
	if _, ok := tr.At(3); ok {
		t.Error("At(3) should be absent")
	}
	if _, idx, err := tr.Get("ph-3"); err != nil || idx != 2 {
		t.Errorf("Get(ph-3) = %d, %v", idx, err)
	}
	if _, _, err := tr.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) error = %v", err)
	}
}

func TestRegisterClamp(t *testing.T) {
	s := gradient(1, 300, 200)
	tr := NewTracker(testConfig(config.BoundsClamp))

	p, err := tr.Register(s, image.Pt(250, 180))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if p.Position != image.Pt(200, 150) {
		t.Errorf("Position = %v, want (200,150)", p.Position)
	}
	if p.Requested != image.Pt(250, 180) {
		t.Errorf("Requested = %v", p.Requested)
	}

	p, err = tr.Register(s, image.Pt(-30, -5))
	if err != nil {
		t.Fatal(err)
	}
	if p.Position != image.Pt(0, 0) {
		t.Errorf("Position = %v, want origin", p.Position)
	}
}

func TestRegisterStrict(t *testing.T) {
	s := gradient(1, 300, 200)
	tr := NewTracker(testConfig(config.BoundsStrict))

	if _, err := tr.Register(s, image.Pt(250, 10)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("error = %v, want ErrOutOfBounds", err)
	}
	if tr.Len() != 0 {
		t.Error("failed registration must not append")
	}
	if got := s.At(260, 20); got != (color.RGBA{4, 20, 7, 255}) {
		t.Errorf("failed registration drew on surface: %v", got)
	}
}

func TestRegisterTinySurface(t *testing.T) {
	s := gradient(1, 80, 40)
	tr := NewTracker(testConfig(config.BoundsClamp))
	if _, err := tr.Register(s, image.Pt(0, 0)); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("error = %v, want ErrOutOfBounds", err)
	}
}

func TestMarkBoundAndReset(t *testing.T) {
	s := gradient(1, 300, 200)
	tr := NewTracker(testConfig(""), sequentialIDs())
	if _, err := tr.Register(s, image.Pt(5, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkBound("ph-1", "sig-1"); err != nil {
		t.Fatal(err)
	}
	p, _ := tr.At(0)
	if !p.Bound || p.SignatureID != "sig-1" {
		t.Errorf("placeholder not bound: %+v", p)
	}
	if err := tr.MarkBound("ph-9", "sig-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkBound unknown = %v", err)
	}
	tr.Reset()
	if tr.Len() != 0 {
		t.Error("Reset should clear placeholders")
	}
}
