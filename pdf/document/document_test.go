package document

import (
	"errors"
	"testing"

	"github.com/georgepadayatti/signpad/pdf/pdftest"
)

func TestLoad(t *testing.T) {
	data := pdftest.Minimal(3, 612, 792)
	doc, err := Load("contract.pdf", "application/pdf", data)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if doc.PageCount != 3 {
		t.Errorf("PageCount = %d, want 3", doc.PageCount)
	}
	if len(doc.Dims) != 3 {
		t.Fatalf("len(Dims) = %d, want 3", len(doc.Dims))
	}
	if d, ok := doc.PageDim(2); !ok || d.Width != 612 || d.Height != 792 {
		t.Errorf("PageDim(2) = %+v, %v", d, ok)
	}
	if _, ok := doc.PageDim(4); ok {
		t.Error("PageDim(4) should not exist")
	}
	if len(doc.Fingerprint) != 64 {
		t.Errorf("Fingerprint length = %d, want 64", len(doc.Fingerprint))
	}
	if doc.Size() != len(data) {
		t.Errorf("Size = %d, want %d", doc.Size(), len(data))
	}
}

func TestLoadSniffsEmptyType(t *testing.T) {
	if _, err := Load("scan.pdf", "", pdftest.Minimal(1, 200, 100)); err != nil {
		t.Fatalf("Load with empty type failed: %v", err)
	}
}

func TestLoadNormalizesName(t *testing.T) {
	// "é" as e + combining acute accent.
	doc, err := Load("re\u0301sume\u0301.pdf", "application/pdf", pdftest.Minimal(1, 100, 100))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Name != "r\u00e9sum\u00e9.pdf" {
		t.Errorf("Name = %q, want NFC form", doc.Name)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name     string
		mimeType string
		data     []byte
		want     error
	}{
		{"notes.txt", "text/plain", []byte("hello world"), ErrNotPDF},
		{"notes.txt", "", []byte("hello world"), ErrNotPDF},
		{"image.png", "image/png", []byte("\x89PNG\r\n\x1a\n"), ErrNotPDF},
		{"spoof.pdf", "application/pdf", []byte("just text"), ErrNotPDF},
		{"empty.pdf", "application/pdf", nil, ErrEmpty},
		{"broken.pdf", "application/pdf", []byte("%PDF-1.4\nnot really\n"), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.mimeType, func(t *testing.T) {
			_, err := Load(tt.name, tt.mimeType, tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckTypeWithParams(t *testing.T) {
	data := pdftest.Minimal(1, 100, 100)
	if err := CheckType("a.pdf", "application/pdf; charset=binary", data); err != nil {
		t.Errorf("CheckType with params: %v", err)
	}
}

func TestDimPixels(t *testing.T) {
	d := Dim{Width: 612, Height: 792}
	if w, h := d.Pixels(72); w != 612 || h != 792 {
		t.Errorf("Pixels(72) = %d,%d", w, h)
	}
	if w, h := d.Pixels(144); w != 1224 || h != 1584 {
		t.Errorf("Pixels(144) = %d,%d", w, h)
	}
}
