// Package session drives one signing session: a document is loaded, its
// pages are rendered concurrently onto surfaces, placeholders are marked,
// signatures are bound and the result is exported.
//
// Lifecycle bookkeeping is delegated to the pure Transition function. The
// Session owns the only State value and applies transitions under its mutex.
// Every load starts a new generation; render completions that belong to an
// older generation are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/signpad/binder"
	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/export"
	"github.com/georgepadayatti/signpad/journal"
	"github.com/georgepadayatti/signpad/pdf/document"
	"github.com/georgepadayatti/signpad/pdf/render"
	"github.com/georgepadayatti/signpad/placeholder"
	"github.com/georgepadayatti/signpad/surface"
)

// Common errors
var (
	ErrClosed     = errors.New("session closed")
	ErrSuperseded = errors.New("load superseded by a newer document")
	ErrNoPage     = errors.New("no such page")
)

// run holds the rendering work started by one Load.
type run struct {
	generation uint64
	pages      render.Pages

	// tasks maps page numbers to the cancel func of their render task.
	tasks map[int]context.CancelFunc
	wg    sync.WaitGroup

	ready     chan struct{}
	readyErr  error
	readyDone bool
}

// signal closes the ready channel once.
func (r *run) signal(err error) {
	if r.readyDone {
		return
	}
	r.readyErr = err
	r.readyDone = true
	close(r.ready)
}

// retire cancels every outstanding task and releases the renderer once the
// tasks have returned.
func (r *run) retire(wait bool) {
	for page, cancel := range r.tasks {
		cancel()
		delete(r.tasks, page)
	}
	release := func() {
		r.wg.Wait()
		if r.pages != nil {
			r.pages.Close()
		}
	}
	if wait {
		release()
		return
	}
	go release()
}

// Session is a single document signing session. It is safe for concurrent use.
type Session struct {
	// ID identifies the session.
	ID string

	cfg      *config.AppConfig
	renderer render.Renderer
	exporter *export.Orchestrator
	logger   *slog.Logger
	recorder journal.Recorder
	clock    clockwork.Clock

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu         sync.Mutex
	state      State
	closed     bool
	lastActive time.Time
	current    *run
	doc        *document.Document
	surfaces   *surface.Set
	tracker    *placeholder.Tracker
	binder     *binder.Binder
	signatures []*binder.Signature
	failures   []*render.PageError
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecorder sets where lifecycle events are journaled.
func WithRecorder(r journal.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithClock sets the clock used for activity tracking.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithExporter replaces the exporter built from the export configuration.
func WithExporter(o *export.Orchestrator) Option {
	return func(s *Session) { s.exporter = o }
}

// WithID sets the session ID instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.ID = id }
}

// New creates an empty session. cfg must have defaults applied.
func New(cfg *config.AppConfig, renderer render.Renderer, opts ...Option) (*Session, error) {
	s := &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		renderer: renderer,
		logger:   slog.Default(),
		recorder: journal.Nop{},
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.exporter == nil {
		exp, err := export.FromConfig(cfg.Export, cfg.Render.DPI, export.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.exporter = exp
	}
	s.logger = s.logger.With("session", s.ID)
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.tracker = placeholder.NewTracker(cfg.Placeholder)
	s.binder = binder.New(cfg.Signature)
	s.lastActive = s.clock.Now()
	return s, nil
}

// Load replaces the session document with data and starts rendering its
// pages. A non-PDF upload is rejected without changing the session. Load
// returns once the document is parsed; use Ready or WaitReady to wait for
// the pages.
func (s *Session) Load(ctx context.Context, name, mimeType string, data []byte) error {
	if err := document.CheckType(name, mimeType, data); err != nil {
		s.logger.Warn("rejected upload", "name", name, "mime", mimeType, "size", len(data), "error", err)
		s.record(ctx, journal.Entry{Kind: journal.KindRejected, Detail: err.Error()})
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	next, _ := Transition(s.state, Event{Kind: EventLoad})
	if s.current != nil {
		s.current.signal(ErrSuperseded)
		s.current.retire(false)
	}
	r := &run{generation: next.Generation, tasks: make(map[int]context.CancelFunc), ready: make(chan struct{})}
	s.state = next
	s.current = r
	s.doc = nil
	s.surfaces = nil
	s.signatures = nil
	s.failures = nil
	s.tracker.Reset()
	s.binder.Forget()
	s.touch()
	s.mu.Unlock()

	doc, err := document.Load(name, mimeType, data)
	var pages render.Pages
	if err == nil {
		pages, err = s.renderer.Open(ctx, doc.Data)
	}

	var pending []journal.Entry
	defer func() { s.flush(ctx, pending) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state.Generation != r.generation {
		if pages != nil {
			pages.Close()
		}
		if s.closed {
			return ErrClosed
		}
		return ErrSuperseded
	}
	if err != nil {
		s.state, _ = Transition(s.state, Event{Kind: EventLoadFailed})
		r.signal(err)
		s.current = nil
		s.logger.Error("load failed", "name", name, "error", err)
		pending = append(pending, journal.Entry{Kind: journal.KindRejected, Detail: err.Error()})
		return err
	}
	if n := pages.NumPage(); n != doc.PageCount {
		s.logger.Warn("renderer page count differs", "parsed", doc.PageCount, "renderer", n)
	}

	s.state, err = Transition(s.state, Event{Kind: EventParsed, Pages: doc.PageCount})
	if err != nil {
		pages.Close()
		r.signal(err)
		return err
	}
	r.pages = pages
	s.doc = doc
	s.surfaces = surface.NewSet(doc.PageCount)
	s.logger.Info("document loaded", "name", doc.Name, "pages", doc.PageCount, "size", doc.Size(), "fingerprint", doc.Fingerprint)
	// Recorded before any render task can report.
	s.record(ctx, journal.Entry{Kind: journal.KindLoaded, Detail: doc.Name})

	for page := 1; page <= doc.PageCount; page++ {
		taskCtx, cancel := context.WithCancel(s.baseCtx)
		r.tasks[page] = cancel
		r.wg.Add(1)
		go s.renderPage(taskCtx, r, page)
	}

	return nil
}

func (s *Session) renderPage(ctx context.Context, r *run, page int) {
	defer r.wg.Done()
	img, err := r.pages.RenderPage(ctx, page)
	s.pageDone(r, page, img, err)
}

// pageDone stores the result of one render task. Journal entries are written
// before the ready signal so waiters observe them.
func (s *Session) pageDone(r *run, page int, img *image.RGBA, renderErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || r.generation != s.state.Generation {
		return
	}
	if cancel, ok := r.tasks[page]; ok {
		cancel()
		delete(r.tasks, page)
	}

	failed := renderErr != nil || img == nil
	var sf *surface.Surface
	if failed {
		if renderErr == nil {
			renderErr = errors.New("renderer returned no image")
		}
		var pe *render.PageError
		if !errors.As(renderErr, &pe) {
			pe = &render.PageError{Page: page, Err: renderErr}
		}
		s.failures = append(s.failures, pe)
		w, h := s.blankSize(page)
		sf = surface.Blank(page, w, h)
		sf.Failed = true
		s.logger.Error("page render failed", "page", page, "error", renderErr)
		s.record(s.baseCtx, journal.Entry{Kind: journal.KindPageFailed, Page: page, Detail: renderErr.Error()})
	} else {
		sf = surface.New(page, img)
	}

	if err := s.surfaces.Put(sf); err != nil {
		s.logger.Error("dropping page surface", "page", page, "error", err)
		return
	}
	next, err := Transition(s.state, Event{Kind: EventPageDone, Failed: failed})
	if err != nil {
		s.logger.Error("unexpected page completion", "page", page, "error", err)
		return
	}
	s.state = next
	s.logger.Debug("page rendered", "page", page, "completed", next.Completed(), "total", next.Pages)

	if next.Phase == PhaseReady {
		var readyErr error
		if next.Failed > 0 {
			readyErr = &PartialError{Failures: append([]*render.PageError(nil), s.failures...)}
			s.logger.Warn("document ready with failed pages", "failed", next.Failed, "pages", next.Pages)
		} else {
			s.logger.Info("document ready", "pages", next.Pages)
		}
		s.record(s.baseCtx, journal.Entry{Kind: journal.KindReady, Detail: fmt.Sprintf("%d/%d pages rendered", next.Rendered, next.Pages)})
		r.signal(readyErr)
	}
}

// blankSize returns the surface size used for a page that failed to render.
func (s *Session) blankSize(page int) (int, int) {
	if d, ok := s.doc.PageDim(page); ok {
		if w, h := d.Pixels(s.cfg.Render.DPI); w > 0 && h > 0 {
			return w, h
		}
	}
	// US Letter
	return document.Dim{Width: 612, Height: 792}.Pixels(s.cfg.Render.DPI)
}

// PartialError reports pages that failed to render. The document is still
// usable; failed pages are blank.
type PartialError struct {
	Failures []*render.PageError
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d page(s) failed to render", len(e.Failures))
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Ready returns a channel closed once every page of the current document has
// completed, or the load failed or was superseded. It returns nil when no
// document is loading.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.ready
}

// WaitReady blocks until the current document is ready. It returns a
// *PartialError when some pages failed to render.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return ErrNoDocument
	}
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures returns the pages that failed to render.
func (s *Session) Failures() []*render.PageError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*render.PageError(nil), s.failures...)
}

// RegisterPlaceholder marks a signature location on page at pos.
func (s *Session) RegisterPlaceholder(ctx context.Context, page int, pos image.Point) (*placeholder.Placeholder, error) {
	var pending []journal.Entry
	defer func() { s.flush(ctx, pending) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	next, err := Transition(s.state, Event{Kind: EventPlaceholderAdded})
	if err != nil {
		return nil, err
	}
	sf, err := s.surfaces.Get(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrNoPage, page)
	}
	p, err := s.tracker.Register(sf, pos)
	if err != nil {
		return nil, err
	}
	s.state = next
	s.touch()
	s.logger.Debug("placeholder registered", "id", p.ID, "page", page, "x", p.Position.X, "y", p.Position.Y)
	pending = append(pending, journal.Entry{Kind: journal.KindPlaceholder, Page: page, Detail: p.ID})
	return p, nil
}

// Placeholders returns the registered placeholders in registration order.
func (s *Session) Placeholders() []*placeholder.Placeholder {
	return s.tracker.List()
}

// OpenSigning enters the signing phase.
func (s *Session) OpenSigning() error {
	return s.apply(Event{Kind: EventOpenSigning})
}

// CloseSigning leaves the signing phase.
func (s *Session) CloseSigning() error {
	return s.apply(Event{Kind: EventCloseSigning})
}

// ToggleSigning opens the signing phase if it is closed and closes it
// otherwise. It returns the resulting phase.
func (s *Session) ToggleSigning() (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := EventOpenSigning
	if s.state.Phase == PhaseSigning {
		kind = EventCloseSigning
	}
	if err := s.applyLocked(Event{Kind: kind}); err != nil {
		return s.state.Phase, err
	}
	return s.state.Phase, nil
}

func (s *Session) apply(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(e)
}

func (s *Session) applyLocked(e Event) error {
	if s.closed {
		return ErrClosed
	}
	next, err := Transition(s.state, e)
	if err != nil {
		return err
	}
	s.state = next
	s.touch()
	return nil
}

// SubmitSignature appends sig and binds it to the placeholder with the same
// ordinal position. A signature that cannot be bound is not kept.
func (s *Session) SubmitSignature(ctx context.Context, sig *binder.Signature) (*placeholder.Placeholder, error) {
	return s.submit(ctx, sig, func() (*placeholder.Placeholder, error) {
		return s.binder.BindLatest(s.signatures, s.tracker)
	})
}

// SubmitSignatureFor binds sig to the placeholder with the given ID.
func (s *Session) SubmitSignatureFor(ctx context.Context, sig *binder.Signature, placeholderID string) (*placeholder.Placeholder, error) {
	return s.submit(ctx, sig, func() (*placeholder.Placeholder, error) {
		return s.binder.BindTo(sig, s.tracker, placeholderID)
	})
}

func (s *Session) submit(ctx context.Context, sig *binder.Signature, bind func() (*placeholder.Placeholder, error)) (*placeholder.Placeholder, error) {
	var pending []journal.Entry
	defer func() { s.flush(ctx, pending) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	next, err := Transition(s.state, Event{Kind: EventSignatureBound})
	if err != nil {
		return nil, err
	}

	s.signatures = append(s.signatures, sig)
	p, err := bind()
	if err != nil {
		s.signatures = s.signatures[:len(s.signatures)-1]
		s.logger.Warn("signature rejected", "signature", sig.ID, "error", err)
		pending = append(pending, journal.Entry{Kind: journal.KindSignatureRejected, Detail: err.Error()})
		return nil, err
	}
	s.state = next
	s.touch()
	s.logger.Info("signature bound", "signature", sig.ID, "placeholder", p.ID, "page", p.Page)
	pending = append(pending, journal.Entry{Kind: journal.KindSignatureBound, Page: p.Page, Detail: p.ID})
	return p, nil
}

// Export writes the current surfaces, in page order, as a rasterized PDF to
// w. While rendering, only the pages completed so far are written. The
// session stays usable.
func (s *Session) Export(ctx context.Context, w io.Writer) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if _, err := Transition(s.state, Event{Kind: EventExported}); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if s.surfaces == nil || s.surfaces.Len() == 0 {
		s.mu.Unlock()
		return 0, ErrNotReady
	}
	generation := s.state.Generation
	if !s.surfaces.Complete() {
		s.logger.Warn("exporting before rendering finished", "pages", s.surfaces.Len(), "total", s.surfaces.Total())
	}
	ordered := s.surfaces.Ordered()
	frozen := make([]*surface.Surface, len(ordered))
	for i, sf := range ordered {
		frozen[i] = sf.Clone()
	}
	s.mu.Unlock()

	n, err := s.exporter.Export(ctx, frozen, w)
	if err != nil {
		s.logger.Error("export failed", "error", err)
		return 0, err
	}

	s.mu.Lock()
	if s.state.Generation == generation {
		if next, err := Transition(s.state, Event{Kind: EventExported}); err == nil {
			s.state = next
		}
	}
	s.touch()
	s.mu.Unlock()

	s.logger.Info("document exported", "pages", n)
	s.record(ctx, journal.Entry{Kind: journal.KindExported, Detail: fmt.Sprintf("%d pages", n)})
	return n, nil
}

// Filename returns the name exported documents are offered under.
func (s *Session) Filename() string {
	return s.cfg.Export.Filename
}

// Surface returns the surface of page once it has rendered.
func (s *Session) Surface(page int) (*surface.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surfaces == nil {
		return nil, ErrNoDocument
	}
	sf, err := s.surfaces.Get(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrNoPage, page)
	}
	return sf, nil
}

// Document returns the loaded document, or nil.
func (s *Session) Document() *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch marks the session active without changing it, for callers that
// only read it.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
}

// touch records activity. Callers hold s.mu.
func (s *Session) touch() {
	s.lastActive = s.clock.Now()
}

// Close cancels outstanding rendering and releases the renderer.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.current
	if r != nil {
		r.signal(ErrClosed)
		for page, cancel := range r.tasks {
			cancel()
			delete(r.tasks, page)
		}
	}
	s.mu.Unlock()

	s.cancelBase()
	if r != nil {
		r.retire(true)
	}
	return nil
}

func (s *Session) record(ctx context.Context, e journal.Entry) {
	e.Session = s.ID
	if err := s.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Debug("journal write failed", "kind", e.Kind, "error", err)
	}
}

// flush records entries collected while s.mu was held.
func (s *Session) flush(ctx context.Context, entries []journal.Entry) {
	for _, e := range entries {
		s.record(ctx, e)
	}
}
