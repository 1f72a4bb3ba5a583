// Package rest provides the HTTP REST API layer for the warden collector. It
// includes a chi router, JWT authentication middleware, and handler
// functions for the /api/v1 endpoints.
package rest

import (
	"context"

	"github.com/tripwire/warden/internal/collector/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// BatchInsertTransitions enqueues a reported transition for deferred
	// batch insertion.
	BatchInsertTransitions(ctx context.Context, t storage.Transition) error

	// QueryTransitions returns transitions matching the given filter and
	// pagination parameters.
	QueryTransitions(ctx context.Context, q storage.TransitionQuery) ([]storage.Transition, error)

	// ListHosts returns all registered hosts ordered alphabetically by
	// hostname.
	ListHosts(ctx context.Context) ([]storage.Host, error)

	// UpsertHost inserts or updates a host by hostname, returning the
	// effective host_id.
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
}

// Publisher fans out newly ingested transitions to live WebSocket viewers.
// Implemented by *websocket.Broadcaster; kept as a small interface here so
// the REST package does not need to depend on the websocket package's full
// surface, and so handlers can be tested without a live broadcaster.
type Publisher interface {
	Publish(t storage.Transition)
}
