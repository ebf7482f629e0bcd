// Package store persists the discovery registry. The default backend is
// a single JSON file rewritten on every mutation; Postgres is available
// for nodes that already run one.
package store

import (
	"context"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Store loads and saves registry snapshots. The registry is
// single-writer, so Save always replaces the full set.
type Store interface {
	Load(ctx context.Context) ([]*v1.AgentRecord, error)
	Save(ctx context.Context, records []*v1.AgentRecord) error
	Close()
}
