package store

import (
	"context"
	"errors"
	"strings"
)

// Store abstracts a document-oriented backend with push notifications.
// Paths are slash-separated, Firestore style: an even number of segments
// addresses a document ("rooms/r1"), an odd number a collection
// ("rooms/r1/cards"). Documents are JSON objects.
type Store interface {
	// Subscribe opens a push stream of full snapshots for a document or
	// collection path. The first snapshot is delivered immediately and
	// reflects current state (Exists=false for a missing document).
	// Collection snapshots are ordered by the given orderings; with none,
	// documents are ordered by ID.
	Subscribe(ctx context.Context, path string, orderings []Ordering) (Subscription, error)

	// Create writes a full document. On a collection path the store assigns
	// an ID and returns it; on a document path the write is an upsert that
	// replaces any existing document.
	Create(ctx context.Context, path string, doc any) (string, error)

	// Merge merges top-level fields into an existing document. Nested
	// structures are replaced wholesale, not merged. Returns ErrNotFound
	// if the document does not exist.
	Merge(ctx context.Context, path string, fields map[string]any) error

	// SetAdd atomically adds value to the named array field, treating the
	// array as a set. Adding a present value is a no-op.
	SetAdd(ctx context.Context, path, field string, value any) error

	// SetRemove atomically removes value from the named array field.
	// Removing an absent value is a no-op.
	SetRemove(ctx context.Context, path, field string, value any) error
}

// Ordering is a single sort key applied by the store to collection snapshots.
type Ordering struct {
	Field string
	Desc  bool
}

// Document is one stored document as raw JSON.
type Document struct {
	ID   string
	Data []byte
}

// Snapshot is a full view of a subscribed path. Document subscriptions
// populate Doc and Exists; collection subscriptions populate Docs.
type Snapshot struct {
	Exists bool
	Doc    Document
	Docs   []Document
}

// Subscription is a cancellable push stream of snapshots. Slow consumers
// are coalesced: intermediate snapshots may be skipped, the latest is
// always delivered.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Unsubscribe()
}

var (
	// ErrNotFound reports a merge against a missing document.
	ErrNotFound = errors.New("store: document not found")

	// ErrBadPath reports a path with the wrong parity for the operation.
	ErrBadPath = errors.New("store: invalid path")
)

// IsCollection reports whether path addresses a collection.
func IsCollection(path string) bool {
	return len(strings.Split(strings.Trim(path, "/"), "/"))%2 == 1
}

// Split returns the cleaned segments of a path.
func Split(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Parent returns the collection path containing a document path.
func Parent(path string) string {
	segs := Split(path)
	return strings.Join(segs[:len(segs)-1], "/")
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}
