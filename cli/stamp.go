package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"

	"github.com/georgepadayatti/signpad/binder"
	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/pdf/document"
	"github.com/georgepadayatti/signpad/pdf/render"
	"github.com/georgepadayatti/signpad/session"
)

// Placement is a placeholder position given on the command line.
type Placement struct {
	Page int
	X, Y int
}

func (p Placement) String() string {
	return fmt.Sprintf("%d:%d,%d", p.Page, p.X, p.Y)
}

// ParsePlacement parses "page:x,y".
func ParsePlacement(s string) (Placement, error) {
	pageStr, xy, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Placement{}, fmt.Errorf("placement %q: want page:x,y", s)
	}
	xStr, yStr, ok := strings.Cut(xy, ",")
	if !ok {
		return Placement{}, fmt.Errorf("placement %q: want page:x,y", s)
	}
	var p Placement
	var err error
	if p.Page, err = strconv.Atoi(pageStr); err != nil || p.Page < 1 {
		return Placement{}, fmt.Errorf("placement %q: invalid page", s)
	}
	if p.X, err = strconv.Atoi(strings.TrimSpace(xStr)); err != nil {
		return Placement{}, fmt.Errorf("placement %q: invalid x", s)
	}
	if p.Y, err = strconv.Atoi(strings.TrimSpace(yStr)); err != nil {
		return Placement{}, fmt.Errorf("placement %q: invalid y", s)
	}
	return p, nil
}

// placementList collects repeated -at flags.
type placementList []Placement

func (l *placementList) String() string {
	parts := make([]string, len(*l))
	for i, p := range *l {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ")
}

func (l *placementList) Set(s string) error {
	p, err := ParsePlacement(s)
	if err != nil {
		return err
	}
	*l = append(*l, p)
	return nil
}

// stringList collects repeated string flags.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(s string) error { *l = append(*l, s); return nil }

// StampOptions contains options for the stamp command.
type StampOptions struct {
	ConfigPath string
	Signatures []string
	Placements []Placement
	DPI        float64
	Strict     bool
	Quality    int
	Backend    string
}

// apply overrides cfg with the options that were set.
func (o *StampOptions) apply(cfg *config.AppConfig) error {
	if o.DPI > 0 {
		cfg.Render.DPI = o.DPI
	}
	if o.Strict {
		cfg.Placeholder.Bounds = config.BoundsStrict
	}
	if o.Quality > 0 {
		cfg.Export.JPEGQuality = o.Quality
	}
	if o.Backend != "" {
		cfg.Export.Backend = o.Backend
	}
	return cfg.Validate()
}

// StampCommand implements the 'stamp' command.
func StampCommand(args []string) {
	stampFlags := flag.NewFlagSet("stamp", flag.ExitOnError)

	var (
		opts       StampOptions
		sigs       stringList
		placements placementList
	)

	stampFlags.StringVar(&opts.ConfigPath, "config", "", "YAML configuration file")
	stampFlags.Var(&sigs, "sig", "Signature image (PNG, JPEG, GIF, WebP); repeat to pair with -at in order")
	stampFlags.Var(&placements, "at", "Placeholder position as page:x,y in pixels; repeatable")
	stampFlags.Float64Var(&opts.DPI, "dpi", 0, "Rasterization resolution (default from config, 72)")
	stampFlags.BoolVar(&opts.Strict, "strict", false, "Fail on placeholders outside the page instead of moving them inside")
	stampFlags.IntVar(&opts.Quality, "quality", 0, "JPEG quality 1-100 for exported pages (default from config, 100)")
	stampFlags.StringVar(&opts.Backend, "backend", "", "PDF writer: pdfcpu or canvas")

	stampFlags.Usage = func() {
		fmt.Printf("Usage: %s stamp [options] -sig <signature.png> -at <page:x,y> <input.pdf> <output.pdf>\n\n", os.Args[0])
		fmt.Println("Render every page, mark placeholders, bind the signatures and export")
		fmt.Println("the pages as a new JPEG-rasterized PDF.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  input.pdf   PDF file to sign")
		fmt.Println("  output.pdf  Output file for the exported PDF")
		fmt.Println("")
		fmt.Println("Options:")
		stampFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s stamp -sig sig.png -at 1:72,650 contract.pdf download.pdf\n", os.Args[0])
		fmt.Printf("  %s stamp -sig alice.png -at 1:72,650 -sig bob.png -at 3:300,650 contract.pdf download.pdf\n", os.Args[0])
		fmt.Printf("  %s stamp -dpi 144 -quality 90 -sig sig.png -at 2:10,10 in.pdf out.pdf\n", os.Args[0])
	}

	if err := stampFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(stampFlags.Args()) < 2 || len(sigs) == 0 || len(placements) == 0 {
		stampFlags.Usage()
		osExit(1)
		return
	}
	opts.Signatures = sigs
	opts.Placements = placements

	inputPath := stampFlags.Arg(0)
	outputPath := stampFlags.Arg(1)

	pages, err := stampPDF(context.Background(), inputPath, outputPath, &opts, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	fmt.Printf("Successfully stamped %d signature(s), wrote %d page(s) to %s\n", len(opts.Placements), pages, outputPath)
}

// stampPDF runs one signing session from the command line. A nil renderer
// selects MuPDF at the configured resolution.
func stampPDF(ctx context.Context, inputPath, outputPath string, opts *StampOptions, renderer render.Renderer) (int, error) {
	if len(opts.Signatures) != 1 && len(opts.Signatures) != len(opts.Placements) {
		return 0, fmt.Errorf("got %d signatures for %d placements: give one signature or one per placement",
			len(opts.Signatures), len(opts.Placements))
	}

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	if err := opts.apply(cfg); err != nil {
		return 0, err
	}
	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return 0, err
	}
	defer closeLog()

	sigs := make([]*binder.Signature, len(opts.Signatures))
	for i, path := range opts.Signatures {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open signature: %w", err)
		}
		if sigs[i], err = binder.ReadSignature(f, cfg.Signature.MaxBytes); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read input file: %w", err)
	}

	if renderer == nil {
		renderer = render.NewFitzRenderer(cfg.Render.DPI)
	}
	sess, err := session.New(cfg, renderer, session.WithLogger(logger))
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	if err := sess.Load(ctx, inputPath, document.MIMEType, data); err != nil {
		return 0, err
	}
	if err := sess.WaitReady(ctx); err != nil {
		var partial *session.PartialError
		if !errors.As(err, &partial) {
			return 0, err
		}
		for _, f := range partial.Failures {
			fmt.Fprintf(os.Stderr, "Warning: page %d rendered blank: %v\n", f.Page, f.Err)
		}
	}

	for i, at := range opts.Placements {
		p, err := sess.RegisterPlaceholder(ctx, at.Page, image.Pt(at.X, at.Y))
		if err != nil {
			return 0, fmt.Errorf("placement %s: %w", at, err)
		}
		if p.Position != p.Requested {
			fmt.Fprintf(os.Stderr, "Warning: placement %s moved to %d,%d to fit the page\n", at, p.Position.X, p.Position.Y)
		}
		sig := sigs[0]
		if len(sigs) > 1 {
			sig = sigs[i]
		}
		if _, err := sess.SubmitSignatureFor(ctx, sig, p.ID); err != nil {
			return 0, fmt.Errorf("placement %s: %w", at, err)
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	n, err := sess.Export(ctx, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outputPath)
		return 0, fmt.Errorf("failed to export PDF: %w", err)
	}
	return n, nil
}
