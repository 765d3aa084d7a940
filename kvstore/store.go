// Package kvstore defines the flat string-keyed durable storage surface
// the client layer persists through: connection settings, per-conversation
// message logs, drafts, and pending-request records.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for keys that have no value.
	ErrNotFound = errors.New("kvstore: not found")
)

// Store is a flat string-keyed persistent store scoped to one client
// instance. Values are opaque serialized records; callers validate shape
// on read.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
