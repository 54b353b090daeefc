package models

import (
	"errors"
	"fmt"
)

// FaultKind classifies an error by how the Brain must react to it.
type FaultKind string

const (
	// FaultTransientExternal is a backend or network hiccup; retried once per event.
	FaultTransientExternal FaultKind = "transient_external"
	// FaultConfiguration is an unknown mode, malformed oracle output or a
	// missing wait estimate; escalated immediately.
	FaultConfiguration FaultKind = "configuration"
	// FaultLiveness is an unanswered huddle or a deferral cap hit; forces verification.
	FaultLiveness FaultKind = "liveness"
	// FaultConflict is an unrecoverable rebase conflict; surfaced to the primary.
	FaultConflict FaultKind = "conflict"
)

// Valid returns true if the kind is a known value.
func (k FaultKind) Valid() bool {
	switch k {
	case FaultTransientExternal, FaultConfiguration, FaultLiveness, FaultConflict:
		return true
	default:
		return false
	}
}

// Fault is a classified error. It is fatal only to the event it belongs to.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

// NewFault wraps err with a kind and the operation that failed.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// FaultOf returns the first Fault in err's chain, or nil.
func FaultOf(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// IsFault reports whether err carries a fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	f := FaultOf(err)
	return f != nil && f.Kind == kind
}
