package export

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/pdf"
)

// CanvasExporter draws each decoded page JPEG onto a tdewolff/canvas page and
// writes the result with the canvas PDF renderer.
type CanvasExporter struct{}

// NewCanvasExporter creates a canvas-backed exporter.
func NewCanvasExporter() *CanvasExporter { return &CanvasExporter{} }

// Export implements Exporter.
func (e *CanvasExporter) Export(ctx context.Context, pages []Page, w io.Writer) error {
	if len(pages) == 0 {
		return ErrNoPages
	}

	var out *pdf.PDF
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := jpeg.Decode(bytes.NewReader(p.JPEG))
		if err != nil {
			return fmt.Errorf("%w: decode page %d: %v", ErrExport, p.Number, err)
		}

		// canvas works in millimetres.
		dpmm := p.DPI / 25.4
		c := canvas.New(float64(p.Width)/dpmm, float64(p.Height)/dpmm)
		cctx := canvas.NewContext(c)
		cctx.DrawImage(0, 0, img, canvas.DPMM(dpmm))

		if i == 0 {
			out = pdf.New(w, c.W, c.H, nil)
		} else {
			out.NewPage(c.W, c.H)
		}
		c.RenderTo(out)
	}
	return out.Close()
}
