package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/georgepadayatti/signpad/pdf/document"
)

// InfoOutput is the JSON-serializable description of a PDF.
type InfoOutput struct {
	Name        string     `json:"name"`
	Size        int        `json:"size"`
	Pages       int        `json:"pages"`
	Fingerprint string     `json:"fingerprint"`
	PageSizes   []PageSize `json:"page_sizes"`
}

// PageSize is one page size in points and in pixels at the chosen DPI.
type PageSize struct {
	Page    int     `json:"page"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	PixelsW int     `json:"pixels_w"`
	PixelsH int     `json:"pixels_h"`
	DPI     float64 `json:"dpi"`
}

// InfoCommand implements the 'info' command.
func InfoCommand(args []string) {
	infoFlags := flag.NewFlagSet("info", flag.ExitOnError)

	var (
		asJSON bool
		dpi    float64
	)
	infoFlags.BoolVar(&asJSON, "json", false, "Output results in JSON format")
	infoFlags.Float64Var(&dpi, "dpi", 72, "Resolution used to report page sizes in pixels")

	infoFlags.Usage = func() {
		fmt.Printf("Usage: %s info [options] <input.pdf>\n\n", os.Args[0])
		fmt.Println("Validate a PDF and show its page count, page sizes and fingerprint.")
		fmt.Println("")
		fmt.Println("Options:")
		infoFlags.PrintDefaults()
	}

	if err := infoFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}
	if len(infoFlags.Args()) < 1 {
		infoFlags.Usage()
		osExit(1)
		return
	}

	output, err := describePDF(infoFlags.Arg(0), dpi)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			osExit(1)
		}
		return
	}
	writeInfoText(os.Stdout, output)
}

func describePDF(path string, dpi float64) (*InfoOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := document.Load(filepath.Base(path), "", data)
	if err != nil {
		return nil, err
	}

	out := &InfoOutput{
		Name:        doc.Name,
		Size:        doc.Size(),
		Pages:       doc.PageCount,
		Fingerprint: doc.Fingerprint,
	}
	for i, d := range doc.Dims {
		w, h := d.Pixels(dpi)
		out.PageSizes = append(out.PageSizes, PageSize{
			Page: i + 1, Width: d.Width, Height: d.Height,
			PixelsW: w, PixelsH: h, DPI: dpi,
		})
	}
	return out, nil
}

func writeInfoText(w io.Writer, output *InfoOutput) {
	fmt.Fprintf(w, "%s\n", output.Name)
	fmt.Fprintf(w, "  Size: %d bytes\n", output.Size)
	fmt.Fprintf(w, "  Pages: %d\n", output.Pages)
	fmt.Fprintf(w, "  SHA3-256: %s\n", output.Fingerprint)
	for _, p := range output.PageSizes {
		fmt.Fprintf(w, "  Page %d: %.1f x %.1f pt (%d x %d px at %g dpi)\n",
			p.Page, p.Width, p.Height, p.PixelsW, p.PixelsH, p.DPI)
	}
}
