package identity

import (
	"sync/atomic"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// Lease is a reservation of one identity for a single attempt. Release must
// be called exactly once; extra calls are ignored.
type Lease struct {
	Identity crawler.Identity

	pool     *Pool
	entry    *entry
	released atomic.Bool
}

// Release reports the attempt outcome and frees the reservation.
func (l *Lease) Release(outcome crawler.Outcome) {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Release(l, outcome)
}

// Released reports whether the lease has been returned.
func (l *Lease) Released() bool {
	return l != nil && l.released.Load()
}

type verdict int

const (
	verdictNeutral verdict = iota
	verdictSuccess
	verdictFailure
)

// verdictFor decides how an attempt reflects on the identity that made it.
// Transport and anti-bot failures count against it. Validation and parse
// failures mean the site answered normally, so they count as a success.
// Fatal (local configuration) failures and cancellations are neutral.
func verdictFor(outcome crawler.Outcome) verdict {
	switch {
	case outcome.Canceled:
		return verdictNeutral
	case outcome.Success:
		return verdictSuccess
	}
	switch outcome.Kind {
	case crawler.FailureNetwork, crawler.FailureBlocked:
		return verdictFailure
	case crawler.FailureValidation, crawler.FailureParse:
		return verdictSuccess
	default:
		return verdictNeutral
	}
}
