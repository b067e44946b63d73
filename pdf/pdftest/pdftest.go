// Package pdftest builds small, well-formed PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// Minimal returns a PDF with the given number of pages, each sized w x h
// points and carrying one filled rectangle.
func Minimal(pages int, w, h float64) []byte {
	var buf bytes.Buffer
	var offsets []int

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	// Objects: 1 catalog, 2 pages, then a (page, content) pair per page.
	kids := make([]byte, 0, pages*8)
	for i := 0; i < pages; i++ {
		kids = fmt.Appendf(kids, "%d 0 R ", 3+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", bytes.TrimSpace(kids), pages))
	for i := 0; i < pages; i++ {
		content := fmt.Sprintf("0 0 1 rg %d %d 40 20 re f", 10+i, 10+i)
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %g %g] /Resources << >> /Contents %d 0 R >>",
			w, h, 4+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// PageImage returns a w x h image filled with c, as a fake rasterizer would.
func PageImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// SignaturePNG returns a PNG of a dark diagonal stroke on a transparent
// square of the given size.
func SignaturePNG(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < size; i++ {
		img.SetNRGBA(i, i, color.NRGBA{0, 0, 80, 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
