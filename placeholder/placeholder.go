// Package placeholder records where signatures should be stamped.
//
// Each registration snapshots the pixels under a fixed-size region of a page
// surface, then covers that region with an opaque marker. The snapshot is
// taken before the marker is drawn so the page can be restored when the
// signature is applied.
package placeholder

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/google/uuid"

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/surface"
)

// Common errors
var (
	ErrOutOfBounds = errors.New("placeholder outside page surface")
	ErrNotFound    = errors.New("placeholder not found")
)

// Placeholder is one registered signature location.
type Placeholder struct {
	ID   string `json:"id"`
	Page int    `json:"page"`

	// Position is the top-left corner of the marker in surface pixels. Under
	// the clamp policy it may differ from the requested position.
	Position image.Point `json:"position"`

	// Requested is the position as given by the caller.
	Requested image.Point `json:"requested"`

	Bound       bool   `json:"bound"`
	SignatureID string `json:"signature_id,omitempty"`

	// Original holds the pixels under Rect() before the marker was drawn.
	Original *image.RGBA `json:"-"`

	// Surface is the page surface the placeholder was drawn on.
	Surface *surface.Surface `json:"-"`
}

// Rect returns the marker region.
func (p *Placeholder) Rect() image.Rectangle {
	return p.Original.Bounds().Add(p.Position)
}

// Tracker keeps placeholders in registration order.
type Tracker struct {
	width, height int
	marker        color.RGBA
	clamp         bool
	newID         func() string

	mu    sync.RWMutex
	items []*Placeholder
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator replaces the default UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// NewTracker creates a tracker using the placeholder geometry from cfg.
func NewTracker(cfg *config.PlaceholderConfig, opts ...Option) *Tracker {
	t := &Tracker{
		width:  cfg.Width,
		height: cfg.Height,
		marker: cfg.MarkerColor(),
		clamp:  cfg.Bounds != config.BoundsStrict,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register snapshots the region at pos on s, draws the marker and appends the
// placeholder.
func (t *Tracker) Register(s *surface.Surface, pos image.Point) (*Placeholder, error) {
	at, err := t.place(s.Bounds(), pos)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", s.Page, err)
	}
	r := image.Rect(at.X, at.Y, at.X+t.width, at.Y+t.height)

	t.mu.Lock()
	defer t.mu.Unlock()

	orig, err := s.Snapshot(r)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w: %v", s.Page, ErrOutOfBounds, err)
	}
	s.Fill(r, t.marker)

	p := &Placeholder{
		ID:        t.newID(),
		Page:      s.Page,
		Position:  at,
		Requested: pos,
		Original:  orig,
		Surface:   s,
	}
	t.items = append(t.items, p)
	return p, nil
}

// place applies the bounds policy to a requested position.
func (t *Tracker) place(b image.Rectangle, pos image.Point) (image.Point, error) {
	if b.Dx() < t.width || b.Dy() < t.height {
		return pos, fmt.Errorf("%w: %dx%d marker does not fit %dx%d surface",
			ErrOutOfBounds, t.width, t.height, b.Dx(), b.Dy())
	}
	r := image.Rect(pos.X, pos.Y, pos.X+t.width, pos.Y+t.height)
	if r.In(b) {
		return pos, nil
	}
	if !t.clamp {
		return pos, fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, b)
	}
	return image.Point{
		X: clampInt(pos.X, b.Min.X, b.Max.X-t.width),
		Y: clampInt(pos.Y, b.Min.Y, b.Max.Y-t.height),
	}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Len returns the number of placeholders.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// At returns the placeholder at ordinal index i.
func (t *Tracker) At(i int) (*Placeholder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.items) {
		return nil, false
	}
	return t.items[i], true
}

// Get returns the placeholder with the given ID and its ordinal index.
func (t *Tracker) Get(id string) (*Placeholder, int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, p := range t.items {
		if p.ID == id {
			return p, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns the placeholders in registration order.
func (t *Tracker) List() []*Placeholder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Placeholder, len(t.items))
	copy(out, t.items)
	return out
}

// MarkBound records that a signature was applied to the placeholder.
func (t *Tracker) MarkBound(id, signatureID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.items {
		if p.ID == id {
			p.Bound = true
			p.SignatureID = signatureID
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Reset drops all placeholders.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = nil
}
