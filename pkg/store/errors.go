package store

import "errors"

var (
	// ErrConversationNotFound is returned when an operation targets a
	// conversation id that exists in neither tier.
	ErrConversationNotFound = errors.New("store: conversation not found")

	// ErrDurablePersistence wraps failures of the durable tier. The
	// memory copy stays authoritative until the next successful flush;
	// callers log and continue.
	ErrDurablePersistence = errors.New("store: durable persistence failed")
)
