// Package export turns the final state of the page surfaces into a new PDF.
//
// Every surface is rasterized to a JPEG and placed as one full-page image in
// the output document, in page order. Original vector and text content is not
// carried over.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/surface"
)

// Common errors
var (
	ErrNoPages = errors.New("nothing to export")
	ErrExport  = errors.New("export failed")
)

// Page is one rasterized output page.
type Page struct {
	Number int
	JPEG   []byte

	// Width and Height are in pixels; DPI relates them to PDF points.
	Width, Height int
	DPI           float64
}

// Points returns the page size in PDF points.
func (p Page) Points() (float64, float64) {
	return float64(p.Width) * 72 / p.DPI, float64(p.Height) * 72 / p.DPI
}

// Exporter serializes rasterized pages into a PDF.
type Exporter interface {
	Export(ctx context.Context, pages []Page, w io.Writer) error
}

// Orchestrator rasterizes surfaces and hands them to an Exporter.
type Orchestrator struct {
	exporter Exporter
	quality  int
	dpi      float64
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator for surfaces rendered at dpi.
func NewOrchestrator(exporter Exporter, quality int, dpi float64, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exporter: exporter,
		quality:  quality,
		dpi:      dpi,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FromConfig builds an Orchestrator with the exporter named by cfg.Backend.
func FromConfig(cfg *config.ExportConfig, dpi float64, opts ...Option) (*Orchestrator, error) {
	var exp Exporter
	switch cfg.Backend {
	case config.BackendPDFCPU, "":
		exp = NewPDFCPUExporter()
	case config.BackendCanvas:
		exp = NewCanvasExporter()
	default:
		return nil, config.NewConfigError("export.backend", fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
	return NewOrchestrator(exp, cfg.JPEGQuality, dpi, opts...), nil
}

// Rasterize encodes each surface as a JPEG, preserving the given order.
func (o *Orchestrator) Rasterize(ctx context.Context, surfaces []*surface.Surface) ([]Page, error) {
	pages := make([]Page, 0, len(surfaces))
	for _, s := range surfaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img := s.Image()
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.quality}); err != nil {
			return nil, fmt.Errorf("%w: encode page %d: %v", ErrExport, s.Page, err)
		}
		b := img.Bounds()
		pages = append(pages, Page{
			Number: s.Page,
			JPEG:   buf.Bytes(),
			Width:  b.Dx(),
			Height: b.Dy(),
			DPI:    o.dpi,
		})
	}
	return pages, nil
}

// Export writes surfaces, in the given order, as a PDF to w and returns the
// number of pages written.
func (o *Orchestrator) Export(ctx context.Context, surfaces []*surface.Surface, w io.Writer) (int, error) {
	if len(surfaces) == 0 {
		return 0, ErrNoPages
	}
	pages, err := o.Rasterize(ctx, surfaces)
	if err != nil {
		return 0, err
	}
	if err := o.exporter.Export(ctx, pages, w); err != nil {
		if errors.Is(err, ErrExport) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrExport, err)
	}
	o.logger.Debug("exported document", "pages", len(pages))
	return len(pages), nil
}
