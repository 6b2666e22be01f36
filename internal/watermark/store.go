// Package watermark persists the set of already-ingested event identifiers.
// It is a pure membership oracle: no ordering is implied. The pipeline uses
// it to make re-ingestion of a partially processed source safe.
package watermark

import "context"

// Store is a durable set of seen event IDs, surviving process restarts.
type Store interface {
	// IsNew reports whether the event ID has not been marked yet.
	IsNew(ctx context.Context, eventID string) (bool, error)

	// Mark records the event ID as processed. Idempotent.
	Mark(ctx context.Context, eventID string) error

	Close() error
}
