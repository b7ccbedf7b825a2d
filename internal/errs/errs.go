// Package errs contains the sentinel errors shared by the sync engine, the
// store and the provider adapters, plus a classifier that maps any error to
// a stable Kind for callers that must pattern-match on the outcome.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected indicates there is no valid provider token.
	ErrNotConnected = errors.New("calendar account not connected")

	// ErrAuthExpired indicates the provider rejected the token mid-run.
	// The connection is downgraded and the user must reconnect.
	ErrAuthExpired = errors.New("calendar authorization expired, reconnect required")

	// ErrTransient indicates a timeout, 5xx or rate limit from the provider.
	ErrTransient = errors.New("transient provider error")

	// ErrMapping indicates a malformed provider event.
	ErrMapping = errors.New("malformed provider event")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSyncInProgress indicates another sync run holds the account.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrInvalidInput indicates a caller-supplied value failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind is the result kind surfaced to the UI/API layer.
type Kind int

const (
	KindOK Kind = iota
	KindNotConnected
	KindAuthExpired
	KindTransient
	KindMapping
	KindNotFound
	KindConflict
	KindInProgress
	KindInvalid
	KindCancelled
	KindInternal
)

// String returns a stable machine-readable label.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotConnected:
		return "not_connected"
	case KindAuthExpired:
		return "auth_expired"
	case KindTransient:
		return "transient"
	case KindMapping:
		return "mapping"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInProgress:
		return "in_progress"
	case KindInvalid:
		return "invalid"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may retry the whole operation later.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindInProgress
}

// KindOf classifies err. Order matters: an auth expiry wrapped inside a
// transport error is still an auth expiry.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrSyncInProgress):
		return KindInProgress
	case errors.Is(err, ErrMapping):
		return KindMapping
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalid
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}
