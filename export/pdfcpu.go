package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var disableConfigDir sync.Once

// PDFCPUExporter embeds the page JPEGs unchanged (DCTDecode), one image per
// page. Each page is sized from its pixel size and DPI, so the output keeps
// the page sizes of the source document.
type PDFCPUExporter struct{}

// NewPDFCPUExporter creates a pdfcpu-backed exporter.
func NewPDFCPUExporter() *PDFCPUExporter { return &PDFCPUExporter{} }

// Export implements Exporter. pdfcpu applies one page size per import, so
// pages are appended one at a time.
func (e *PDFCPUExporter) Export(ctx context.Context, pages []Page, w io.Writer) error {
	if len(pages) == 0 {
		return ErrNoPages
	}
	disableConfigDir.Do(api.DisableConfigDir)

	var doc []byte
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		width, height := p.Points()
		imp := pdfcpu.DefaultImportConfig()
		imp.PageDim = &types.Dim{Width: width, Height: height}
		imp.UserDim = true
		imp.Pos = types.Center
		imp.Scale = 1
		imp.ScaleAbs = false

		var rs io.ReadSeeker
		if doc != nil {
			rs = bytes.NewReader(doc)
		}
		var buf bytes.Buffer
		conf := model.NewDefaultConfiguration()
		if err := api.ImportImages(rs, &buf, []io.Reader{bytes.NewReader(p.JPEG)}, imp, conf); err != nil {
			return fmt.Errorf("%w: pdfcpu page %d: %v", ErrExport, p.Number, err)
		}
		doc = buf.Bytes()
	}
	_, err := w.Write(doc)
	return err
}
