// Package concurrency tracks active calls per user and system-wide.
package concurrency

import (
	"context"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time view of the ledger. System equals the sum of Users.
type Snapshot struct {
	System int
	Users  map[uuid.UUID]int
}

// Ledger counts processing queue items. Acquire and Release move the user and
// system counters together and atomically.
type Ledger interface {
	// Acquire reserves one slot when both the user and system counters are below their limits.
	Acquire(ctx context.Context, userID uuid.UUID, userLimit, systemLimit int) (bool, error)
	// Release frees one slot. Counters never go below zero.
	Release(ctx context.Context, userID uuid.UUID) error
	Snapshot(ctx context.Context) (Snapshot, error)
	// Reset replaces all counters, used when reconciling against the queue store.
	Reset(ctx context.Context, counts map[uuid.UUID]int) error
}
