package cart

import "errors"

// Validation errors are terminal: they are returned synchronously to the
// caller and must not be retried. Transport errors (ErrStoreUnavailable,
// ErrChannelUnavailable) are a distinct category so the caller can decide
// whether to retry the whole mutation; the core never retries store writes
// on its own.
var (
	// ErrInvalidProduct means the referenced product does not exist or is
	// no longer active in the catalog.
	ErrInvalidProduct = errors.New("cart: product does not exist or is inactive")

	// ErrInvalidQuantity means a non-positive quantity was passed to an add.
	ErrInvalidQuantity = errors.New("cart: quantity must be at least 1")

	// ErrInvalidNotes means the line item notes exceed MaxNotesLen.
	ErrInvalidNotes = errors.New("cart: notes exceed maximum length")

	// ErrNotFound means a mutation targeted a line item absent from the
	// session. Removal of an absent item is a no-op, not this error.
	ErrNotFound = errors.New("cart: line item not found in session")

	// ErrStoreUnavailable wraps transport-layer failures from the record
	// store. Retryable by the caller.
	ErrStoreUnavailable = errors.New("cart: record store unavailable")

	// ErrChannelUnavailable wraps transport-layer failures from the pub/sub
	// channel. A failed broadcast never rolls back a committed mutation.
	ErrChannelUnavailable = errors.New("cart: sync channel unavailable")
)
