// Package surface provides the per-page raster targets that PDF pages are
// rendered onto, marked, signed and finally re-rasterized for export.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"

	"golang.org/x/image/draw"
)

// Common errors
var (
	ErrOutOfBounds = errors.New("region outside surface")
	ErrNoSurface   = errors.New("no such page surface")
	ErrDuplicate   = errors.New("page surface already present")
)

// Surface is one rendered page. Page numbers start at 1.
//
// A Surface guards its pixels with a mutex so that HTTP readers can encode a
// page while a placeholder or signature is being drawn on it.
type Surface struct {
	Page int

	// Failed is set when the page could not be rendered and the surface is a
	// blank stand-in of the page size.
	Failed bool

	mu  sync.RWMutex
	img *image.RGBA
}

// New wraps img as the surface for page.
func New(page int, img *image.RGBA) *Surface {
	return &Surface{Page: page, img: img}
}

// Blank returns an opaque white surface of the given size.
func Blank(page, width, height int) *Surface {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return New(page, img)
}

// Bounds returns the pixel bounds of the surface.
func (s *Surface) Bounds() image.Rectangle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img.Bounds()
}

// Snapshot copies the pixels under r. The region must lie inside the surface.
func (s *Surface) Snapshot(r image.Rectangle) (*image.RGBA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r.Empty() || !r.In(s.img.Bounds()) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, s.img.Bounds())
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), s.img, r.Min, draw.Src)
	return out, nil
}

// Restore writes a previously taken snapshot back with its top-left at at.
// Pixels are replaced, not blended.
func (s *Surface) Restore(snap *image.RGBA, at image.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := snap.Bounds().Sub(snap.Bounds().Min).Add(at)
	draw.Draw(s.img, dst, snap, snap.Bounds().Min, draw.Src)
}

// Fill paints r with an opaque color.
func (s *Surface) Fill(r image.Rectangle, c color.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// Composite scales src into r and blends it over the existing pixels.
// Parts of r outside the surface are clipped.
func (s *Surface) Composite(src image.Image, r image.Rectangle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.CatmullRom.Scale(s.img, r, src, src.Bounds(), draw.Over, nil)
}

// Image returns a copy of the current pixels.
func (s *Surface) Image() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.img.Bounds())
	draw.Draw(out, out.Bounds(), s.img, s.img.Bounds().Min, draw.Src)
	return out
}

// Clone returns an independent copy of the surface.
func (s *Surface) Clone() *Surface {
	return &Surface{Page: s.Page, Failed: s.Failed, img: s.Image()}
}

// At returns the color of a single pixel.
func (s *Surface) At(x, y int) color.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img.RGBAAt(x, y)
}

// Set is the ordered collection of page surfaces for one document.
// Surfaces may be added in any order; Ordered always yields page order.
type Set struct {
	mu    sync.RWMutex
	total int
	pages map[int]*Surface
}

// NewSet creates an empty set expecting total pages.
func NewSet(total int) *Set {
	return &Set{total: total, pages: make(map[int]*Surface, total)}
}

// Total returns the expected number of pages.
func (s *Set) Total() int { return s.total }

// Put adds the surface for its page.
func (s *Set) Put(sf *Surface) error {
	if sf.Page < 1 || sf.Page > s.total {
		return fmt.Errorf("%w: page %d of %d", ErrNoSurface, sf.Page, s.total)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[sf.Page]; ok {
		return fmt.Errorf("%w: page %d", ErrDuplicate, sf.Page)
	}
	s.pages[sf.Page] = sf
	return nil
}

// Get returns the surface for page.
func (s *Set) Get(page int) (*Surface, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sf, ok := s.pages[page]
	if !ok {
		return nil, fmt.Errorf("%w: page %d", ErrNoSurface, page)
	}
	return sf, nil
}

// Len returns the number of surfaces present.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Complete reports whether every page has a surface.
func (s *Set) Complete() bool { return s.Len() == s.total }

// Ordered returns the present surfaces sorted by page number.
func (s *Set) Ordered() []*Surface {
	s.mu.RLock()
	out := make([]*Surface, 0, len(s.pages))
	for _, sf := range s.pages {
		out = append(out, sf)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}
