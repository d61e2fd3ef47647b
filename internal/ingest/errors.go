package ingest

import (
	"errors"
	"fmt"
)

// FailureKind is the error taxonomy for the ingestion engine. RateLimited and
// Blocked are signal rather than failure: they drive pacing and cooldowns and
// the fetch is retried with backoff.
type FailureKind string

// Failure kinds.
const (
	FailureRateLimited  FailureKind = "rate_limited"
	FailureBlocked      FailureKind = "blocked"
	FailureServerError  FailureKind = "server_error"
	FailureTimeout      FailureKind = "timeout"
	FailureNetworkError FailureKind = "network_error"
	FailureExtraction   FailureKind = "extraction"
	FailurePersistence  FailureKind = "persistence"
)

// Outcome maps a failure kind onto the outcome recorded against the pacing
// window. Extraction and persistence failures never reach the window.
func (k FailureKind) Outcome() (OutcomeKind, bool) {
	switch k {
	case FailureRateLimited:
		return OutcomeRateLimited, true
	case FailureBlocked:
		return OutcomeBlocked, true
	case FailureServerError:
		return OutcomeServerError, true
	case FailureTimeout:
		return OutcomeTimeout, true
	case FailureNetworkError:
		return OutcomeNetworkError, true
	default:
		return "", false
	}
}

// FetchError is the terminal error returned once a page's attempt budget is
// exhausted. The caller decides whether it is fatal to the page or the run.
type FetchError struct {
	Kind     FailureKind
	URL      string
	Page     int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch page %d (%s) after %d attempts: %s: %v", e.Page, e.URL, e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch page %d (%s) after %d attempts: %s", e.Page, e.URL, e.Attempts, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AsFetchError unwraps err into a *FetchError if possible.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
