package session

import (
	"errors"
	"fmt"
)

// Phase is the document lifecycle phase.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseLoading
	PhaseRendering
	PhaseReady
	PhaseSigning
	PhaseExported
)

// String returns a string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseLoading:
		return "loading"
	case PhaseRendering:
		return "rendering"
	case PhaseReady:
		return "ready"
	case PhaseSigning:
		return "signing"
	case PhaseExported:
		return "exported"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseEmpty; c <= PhaseExported; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Interactive reports whether every page has completed rendering.
func (p Phase) Interactive() bool {
	return p == PhaseReady || p == PhaseSigning || p == PhaseExported
}

// Transition errors
var (
	ErrNoDocument        = errors.New("no document loaded")
	ErrNotReady          = errors.New("document is not ready")
	ErrInvalidTransition = errors.New("invalid transition")
)

// EventKind identifies a lifecycle event.
type EventKind int

const (
	EventLoad EventKind = iota
	EventLoadFailed
	EventParsed
	EventPageDone
	EventOpenSigning
	EventCloseSigning
	EventPlaceholderAdded
	EventSignatureBound
	EventExported
)

var eventNames = map[EventKind]string{
	EventLoad:             "load",
	EventLoadFailed:       "load-failed",
	EventParsed:           "parsed",
	EventPageDone:         "page-done",
	EventOpenSigning:      "open-signing",
	EventCloseSigning:     "close-signing",
	EventPlaceholderAdded: "placeholder-added",
	EventSignatureBound:   "signature-bound",
	EventExported:         "exported",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// Event is an input to Transition.
type Event struct {
	Kind EventKind

	// Pages is set for EventParsed.
	Pages int

	// Failed is set for EventPageDone when the page did not render.
	Failed bool
}

// State is the bookkeeping part of a session. It is a value: Transition
// returns a new State and never mutates its input.
type State struct {
	Phase Phase `json:"phase"`

	// Generation increases with every load so late completions of a
	// replaced document can be told apart.
	Generation uint64 `json:"generation"`

	Pages    int `json:"pages"`
	Rendered int `json:"rendered"`
	Failed   int `json:"failed"`

	Placeholders int `json:"placeholders"`
	Signatures   int `json:"signatures"`
	Exports      int `json:"exports"`
}

// Completed returns the number of pages that finished, successfully or not.
func (s State) Completed() int { return s.Rendered + s.Failed }

// Transition applies e to s.
func Transition(s State, e Event) (State, error) {
	invalid := func() (State, error) {
		return s, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, e.Kind, s.Phase)
	}

	switch e.Kind {
	case EventLoad:
		return State{Phase: PhaseLoading, Generation: s.Generation + 1}, nil

	case EventLoadFailed:
		if s.Phase != PhaseLoading {
			return invalid()
		}
		return State{Phase: PhaseEmpty, Generation: s.Generation}, nil

	case EventParsed:
		if s.Phase != PhaseLoading {
			return invalid()
		}
		if e.Pages <= 0 {
			return s, fmt.Errorf("%w: parsed document with %d pages", ErrInvalidTransition, e.Pages)
		}
		s.Phase = PhaseRendering
		s.Pages = e.Pages
		return s, nil

	case EventPageDone:
		if s.Phase != PhaseRendering || s.Completed() >= s.Pages {
			return invalid()
		}
		if e.Failed {
			s.Failed++
		} else {
			s.Rendered++
		}
		if s.Completed() == s.Pages {
			s.Phase = PhaseReady
		}
		return s, nil

	case EventOpenSigning:
		switch s.Phase {
		case PhaseEmpty:
			return s, ErrNoDocument
		case PhaseReady, PhaseExported, PhaseSigning:
			s.Phase = PhaseSigning
			return s, nil
		}
		return s, ErrNotReady

	case EventCloseSigning:
		if s.Phase != PhaseSigning {
			return invalid()
		}
		s.Phase = PhaseReady
		return s, nil

	case EventExported:
		switch s.Phase {
		case PhaseEmpty:
			return s, ErrNoDocument
		case PhaseLoading:
			return s, ErrNotReady
		case PhaseRendering:
			// The pages completed so far are exported; rendering goes on.
			s.Exports++
			return s, nil
		}
		s.Exports++
		s.Phase = PhaseExported
		return s, nil

	case EventPlaceholderAdded, EventSignatureBound:
		if s.Phase == PhaseEmpty {
			return s, ErrNoDocument
		}
		if !s.Phase.Interactive() {
			return s, ErrNotReady
		}
		switch e.Kind {
		case EventPlaceholderAdded:
			s.Placeholders++
		case EventSignatureBound:
			s.Signatures++
		}
		return s, nil
	}
	return invalid()
}
