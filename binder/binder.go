// Package binder applies captured signatures to registered placeholders.
//
// Binding restores the pixels that the placeholder marker covered and then
// composites the decoded signature image at an offset from the placeholder
// position. The signature box is configurable and usually larger than the
// marker, so the pixels under it are captured on the first bind and restored
// before every later bind of the same placeholder. Binding is therefore
// repeatable: the same inputs always produce the same page pixels.
package binder

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF format
	_ "image/jpeg" // register JPEG format
	_ "image/png"  // register PNG format
	"io"
	"sync"

	_ "golang.org/x/image/webp" // register WebP format

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/placeholder"
)

// Error codes reported by BindError.
const (
	CodeOutOfRange   = "OUT_OF_RANGE"
	CodeDecodeFailed = "DECODE_FAILED"
)

// Common errors
var (
	ErrOutOfRange   = errors.New("no placeholder for signature")
	ErrDecodeFailed = errors.New("signature image decode failed")
)

// BindError describes a signature that could not be applied.
type BindError struct {
	Code string

	// Index is the ordinal of the signature, Placeholders the number of
	// placeholders registered at the time.
	Index        int
	Placeholders int

	Err error
}

func (e *BindError) Error() string {
	if e.Code == CodeOutOfRange {
		return fmt.Sprintf("%s: signature %d has no placeholder (%d registered)", e.Code, e.Index+1, e.Placeholders)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Binder composites signatures onto placeholder regions.
type Binder struct {
	offset image.Point
	size   image.Point

	mu        sync.Mutex
	underlays map[string]*image.RGBA
}

// New creates a Binder with the signature geometry from cfg.
func New(cfg *config.SignatureConfig) *Binder {
	return &Binder{
		offset:    image.Pt(cfg.OffsetX, cfg.OffsetY),
		size:      image.Pt(cfg.Width, cfg.Height),
		underlays: make(map[string]*image.RGBA),
	}
}

// SignatureRect returns where the signature for p is drawn, before clipping.
func (b *Binder) SignatureRect(p *placeholder.Placeholder) image.Rectangle {
	origin := p.Position.Add(b.offset)
	return image.Rectangle{Min: origin, Max: origin.Add(b.size)}
}

// BindLatest pairs the newest signature with the placeholder at the same
// ordinal index and binds it.
func (b *Binder) BindLatest(sigs []*Signature, tr *placeholder.Tracker) (*placeholder.Placeholder, error) {
	index := len(sigs) - 1
	if index < 0 {
		return nil, ErrEmptySignature
	}
	p, ok := tr.At(index)
	if !ok {
		return nil, &BindError{Code: CodeOutOfRange, Index: index, Placeholders: tr.Len(), Err: ErrOutOfRange}
	}
	if err := b.Bind(sigs[index], p); err != nil {
		return nil, err
	}
	if err := tr.MarkBound(p.ID, sigs[index].ID); err != nil {
		return nil, err
	}
	return p, nil
}

// BindTo binds sig to the placeholder with the given ID.
func (b *Binder) BindTo(sig *Signature, tr *placeholder.Tracker, id string) (*placeholder.Placeholder, error) {
	p, _, err := tr.Get(id)
	if err != nil {
		return nil, err
	}
	if err := b.Bind(sig, p); err != nil {
		return nil, err
	}
	if err := tr.MarkBound(p.ID, sig.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// Bind applies sig to p. The image is decoded before the page is touched, so a
// decode failure leaves the marker in place.
func (b *Binder) Bind(sig *Signature, p *placeholder.Placeholder) error {
	img, err := decode(sig.Open())
	if err != nil {
		return &BindError{Code: CodeDecodeFailed, Index: -1, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := p.Surface
	s.Restore(p.Original, p.Position)

	sr := b.SignatureRect(p)
	clipped := sr.Intersect(s.Bounds())
	if under, ok := b.underlays[p.ID]; ok {
		s.Restore(under, clipped.Min)
	} else if !clipped.Empty() {
		under, err := s.Snapshot(clipped)
		if err != nil {
			return err
		}
		b.underlays[p.ID] = under
	}

	s.Composite(img, sr)
	return nil
}

// Forget drops the captured underlays, for use when a new document is loaded.
func (b *Binder) Forget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.underlays = make(map[string]*image.RGBA)
}

// decode reads one image from rc. rc is closed on every path.
func decode(rc io.ReadCloser) (image.Image, error) {
	defer rc.Close()
	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return img, nil
}
