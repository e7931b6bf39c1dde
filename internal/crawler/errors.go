package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	ErrNoHealthyIdentity   = errors.New("no healthy identity")
	ErrIdentityBusy        = errors.New("all eligible identities busy")
	ErrDuplicateIdentity   = errors.New("identity already exists")
	ErrAlreadyDeadLettered = errors.New("job already dead-lettered")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrTerminalJob         = errors.New("job is terminal")
	ErrDraining            = errors.New("scheduler is draining")
)

// ExtractionError reports that a fetched body could not be turned into a Record.
// Parse is set when the document itself was malformed; otherwise the content
// failed validation (missing or implausible fields).
type ExtractionError struct {
	Field  string
	Reason string
	Parse  bool
}

func (e *ExtractionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("extraction failed: %s", e.Reason)
	}
	return fmt.Sprintf("extraction failed on %s: %s", e.Field, e.Reason)
}

// Kind maps the error onto the failure taxonomy.
func (e *ExtractionError) Kind() FailureKind {
	if e.Parse {
		return FailureParse
	}
	return FailureValidation
}
