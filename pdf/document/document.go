// Package document loads and validates uploaded PDF files.
//
// A Document holds the raw bytes of an uploaded PDF together with the facts
// derived from parsing it once: page count, page dimensions and a content
// fingerprint. Documents are immutable after Load.
package document

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"
)

// MIMEType is the only accepted upload type.
const MIMEType = "application/pdf"

// Common errors
var (
	ErrNotPDF    = errors.New("not a pdf file")
	ErrEmpty     = errors.New("empty document")
	ErrMalformed = errors.New("malformed pdf")
	ErrNoPages   = errors.New("pdf has no pages")
)

// Dim is a page size in PDF points.
type Dim struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pixels returns the page size in pixels at the given resolution.
func (d Dim) Pixels(dpi float64) (int, int) {
	scale := dpi / 72
	return int(d.Width*scale + 0.5), int(d.Height*scale + 0.5)
}

// Document is a parsed, validated PDF upload.
type Document struct {
	// Name is the NFC-normalized original file name.
	Name string

	// Data is the raw file content.
	Data []byte

	// PageCount is the number of pages.
	PageCount int

	// Dims holds one entry per page, in page order.
	Dims []Dim

	// Fingerprint is the hex SHA3-256 of Data.
	Fingerprint string
}

// Size returns the length of the raw data in bytes.
func (d *Document) Size() int { return len(d.Data) }

// PageDim returns the dimensions of page n (1-based).
func (d *Document) PageDim(n int) (Dim, bool) {
	if n < 1 || n > len(d.Dims) {
		return Dim{}, false
	}
	return d.Dims[n-1], true
}

var disableConfigDir sync.Once

func newConfiguration() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// CheckType reports whether an upload of the given declared MIME type and
// content may be treated as a PDF. An empty declared type is sniffed.
func CheckType(name, mimeType string, data []byte) error {
	if mimeType != "" {
		mt, _, err := mime.ParseMediaType(mimeType)
		if err != nil || mt != MIMEType {
			return fmt.Errorf("%w: %s has type %q", ErrNotPDF, name, mimeType)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmpty, name)
	}
	if sniffed := http.DetectContentType(data); !strings.HasPrefix(sniffed, MIMEType) {
		return fmt.Errorf("%w: %s looks like %q", ErrNotPDF, name, sniffed)
	}
	return nil
}

// Load type-checks, parses and validates a PDF upload.
func Load(name, mimeType string, data []byte) (*Document, error) {
	name = norm.NFC.String(name)
	if err := CheckType(name, mimeType, data); err != nil {
		return nil, err
	}

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ctx.PageCount == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, name)
	}

	pdfDims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("%w: page dimensions: %v", ErrMalformed, err)
	}
	dims := make([]Dim, len(pdfDims))
	for i, d := range pdfDims {
		dims[i] = Dim{Width: d.Width, Height: d.Height}
	}

	sum := sha3.Sum256(data)
	return &Document{
		Name:        name,
		Data:        data,
		PageCount:   ctx.PageCount,
		Dims:        dims,
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}
