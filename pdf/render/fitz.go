package render

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// FitzRenderer rasterizes pages with MuPDF.
type FitzRenderer struct {
	// DPI is the output resolution. 72 yields one pixel per PDF point.
	DPI float64
}

// NewFitzRenderer creates a MuPDF renderer at the given resolution.
func NewFitzRenderer(dpi float64) *FitzRenderer {
	if dpi <= 0 {
		dpi = 72
	}
	return &FitzRenderer{DPI: dpi}
}

// Open loads the document into MuPDF.
func (r *FitzRenderer) Open(ctx context.Context, data []byte) (Pages, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	return &fitzPages{doc: doc, dpi: r.DPI}, nil
}

type fitzPages struct {
	dpi float64

	mu     sync.Mutex
	doc    *fitz.Document
	closed bool
}

func (p *fitzPages) NumPage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.doc.NumPage()
}

// RenderPage renders page (1-based). MuPDF contexts are not shared between
// goroutines, so calls are serialized.
func (p *fitzPages) RenderPage(ctx context.Context, page int) (*image.RGBA, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &PageError{Page: page, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || page > p.doc.NumPage() {
		return nil, &PageError{Page: page, Err: ErrInvalidPage}
	}
	img, err := p.doc.ImageDPI(page-1, p.dpi)
	if err != nil {
		return nil, &PageError{Page: page, Err: err}
	}
	return img, nil
}

func (p *fitzPages) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.doc.Close()
}
