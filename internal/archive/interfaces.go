package archive

import (
	"context"
	"time"
)

// Resolver talks to the remote area service: it searches for areas, resolves
// canonical identifiers and lazily discovers child areas.
type Resolver interface {
	// Search returns the areas matching a term. A transport failure or a
	// malformed response fails the whole call.
	Search(ctx context.Context, term string) ([]DiscoveredArea, error)

	// ResolveIdentifiers returns the canonical ID, access key and discovery
	// payload for an area. forceRefresh bypasses any service-side cache.
	ResolveIdentifiers(ctx context.Context, rawID string, forceRefresh bool) (Resolution, error)

	// DiscoverChildren lists the sub-areas of a resolved area. Errors
	// propagate to the caller; they are never swallowed here.
	DiscoverChildren(ctx context.Context, resolvedID string) ([]QueueEntry, error)
}

// Archiver downloads and durably stores one area's content.
type Archiver interface {
	Archive(ctx context.Context, entry QueueEntry) (Status, error)
}

// Recorder persists archive outcomes. Setup is idempotent and must be called
// once before recording: it creates the archive log if absent and rotates the
// prior run's output and failed-download logs.
type Recorder interface {
	Setup(ctx context.Context) error
	RecordSuccess(ctx context.Context, rec SuccessRecord) error
	RecordFailure(ctx context.Context, rec FailureRecord) error
}

// ArchivedIndex answers whether an area is already durably archived. It is
// read-only from the queue's point of view.
type ArchivedIndex interface {
	IsAreaArchived(name, id string) bool
}

// Publisher pushes archive outcome events to a broker (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for stored content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
