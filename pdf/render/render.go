// Package render rasterizes PDF pages onto images.
//
// The rasterizer itself is an external engine. This package defines the
// narrow interface the rest of signpad depends on and provides a MuPDF-backed
// implementation.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Common errors
var (
	ErrInvalidPage = errors.New("invalid page number")
	ErrClosed      = errors.New("renderer closed")
)

// PageError reports a failure to render a single page.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("render page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Renderer opens raw PDF bytes for rasterization.
type Renderer interface {
	Open(ctx context.Context, data []byte) (Pages, error)
}

// Pages renders the pages of one opened document. Page numbers start at 1.
// RenderPage may be called concurrently for different pages.
type Pages interface {
	NumPage() int
	RenderPage(ctx context.Context, page int) (*image.RGBA, error)
	Close() error
}

// PageFunc renders a single page.
type PageFunc func(ctx context.Context, page int) (*image.RGBA, error)

// Func adapts a page count and a PageFunc into a Renderer that ignores the
// document bytes. It is meant for callers that already hold page images.
func Func(n int, fn PageFunc) Renderer {
	return funcRenderer{n: n, fn: fn}
}

type funcRenderer struct {
	n  int
	fn PageFunc
}

func (r funcRenderer) Open(ctx context.Context, data []byte) (Pages, error) {
	return funcPages(r), nil
}

type funcPages funcRenderer

func (p funcPages) NumPage() int { return p.n }

func (p funcPages) RenderPage(ctx context.Context, page int) (*image.RGBA, error) {
	if page < 1 || page > p.n {
		return nil, &PageError{Page: page, Err: ErrInvalidPage}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.fn(ctx, page)
}

func (p funcPages) Close() error { return nil }
