// Package facts defines the borrow-checker fact model and the contract for
// the external analyzers that produce it.
package facts

import (
	"errors"
	"fmt"

	"owlsp/internal/source"
)

// ErrMalformedFact marks a fact that refers to something the provider never
// declared, or that cannot be decoded.
var ErrMalformedFact = errors.New("malformed fact")

// LocalID identifies a local variable within one analyzed function.
type LocalID struct {
	Fn uint32 `json:"fn" msgpack:"f"`
	ID uint32 `json:"id" msgpack:"i"`
}

// NoLocal is the zero LocalID, used when an event has no related local.
var NoLocal LocalID

func (l LocalID) IsZero() bool { return l == NoLocal }

func (l LocalID) String() string {
	return fmt.Sprintf("fn%d/_%d", l.Fn, l.ID)
}

// RegionID identifies an abstract lifetime region. Zero means none.
type RegionID uint32

const NoRegion RegionID = 0

// FactEvent is one fact about one local at one span.
type FactEvent struct {
	Kind    Kind
	Local   LocalID
	File    string
	Span    source.Span
	Related LocalID
	Region  RegionID
	// RelatedRegion is the longer-lived side of an OutlivesEdge.
	RelatedRegion RegionID
}

// LocalDecl declares a local of a function.
type LocalDecl struct {
	Local LocalID
	Name  string
	File  string
	Span  source.Span
	Type  string
	// User is false for compiler temporaries.
	User bool
}

// FunctionFacts groups the declarations and events of one analyzed function.
type FunctionFacts struct {
	Fn     uint32
	Decls  []LocalDecl
	Events []FactEvent
}

// Diagnostic is a message reported by a provider about the analyzed code.
type Diagnostic struct {
	File     string      `json:"file"`
	Span     source.Span `json:"span"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
}

// FileSnapshot is the text of one file as the provider must see it.
type FileSnapshot struct {
	Path    string `json:"path"`
	Version int64  `json:"version"`
	Text    string `json:"text"`
}

// Request asks a provider for the facts of one build unit.
type Request struct {
	Unit  string         `json:"unit"`
	Root  string         `json:"root"`
	Files []FileSnapshot `json:"files"`
}

// ProviderFailure reports that a provider could not produce facts for a
// unit. Diagnostics, if any, describe why.
type ProviderFailure struct {
	Unit        string
	Diagnostics []Diagnostic
	Stderr      string
	Err         error
}

func (e *ProviderFailure) Error() string {
	msg := fmt.Sprintf("provider failed for unit %q", e.Unit)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if n := len(e.Diagnostics); n > 0 {
		msg += fmt.Sprintf(" (%d diagnostics)", n)
	}
	return msg
}

func (e *ProviderFailure) Unwrap() error { return e.Err }
