package memory

import "context"

// IndexBackend is the opaque vector-index contract every collection is
// built on. It owns embedding and similarity search; SemanticStore only
// orchestrates collection lifecycle and size caps on top of it.
//
// Implementations are expected to be safe for concurrent use. Collection
// names passed here already carry the tier suffix (see physicalName in
// semanticstore.go) so a single backend instance can multiplex STM and LTM
// collections for the same agent.
type IndexBackend interface {
	// Add inserts or upserts mem into coll. Last-write-wins on a repeated id.
	Add(ctx context.Context, coll string, mem Memory) error

	// Delete removes id from coll. Idempotent: missing ids are not an error.
	Delete(ctx context.Context, coll string, id string) error

	// Query returns up to n entries most similar to text, ascending by
	// distance. Returns an empty slice (not an error) for a missing
	// collection.
	Query(ctx context.Context, coll string, text string, n int) ([]QueriedMemory, error)

	// ScanOldest returns up to n of the oldest entries by insertion order,
	// without removing them.
	ScanOldest(ctx context.Context, coll string, n int) ([]Memory, error)

	// PopOldest atomically returns and removes up to n of the oldest
	// entries. Returns an empty slice, never an error, once the collection
	// is drained.
	PopOldest(ctx context.Context, coll string, n int) ([]Memory, error)

	// Count returns the exact number of entries in coll.
	Count(ctx context.Context, coll string) (int, error)

	// Drop deletes coll entirely; a subsequent write recreates it.
	Drop(ctx context.Context, coll string) error

	// Names lists every collection currently tracked by this backend.
	Names(ctx context.Context) ([]string, error)
}
