package concurrency

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process ledger for single-node deployments and tests.
type MemoryLedger struct {
	mu     sync.Mutex
	system int
	users  map[uuid.UUID]int
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{users: make(map[uuid.UUID]int)}
}

func (l *MemoryLedger) Acquire(_ context.Context, userID uuid.UUID, userLimit, systemLimit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.system >= systemLimit || l.users[userID] >= userLimit {
		return false, nil
	}
	l.system++
	l.users[userID]++
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, userID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.users[userID]
	if n <= 0 {
		return nil
	}
	if n == 1 {
		delete(l.users, userID)
	} else {
		l.users[userID] = n - 1
	}
	if l.system > 0 {
		l.system--
	}
	return nil
}

func (l *MemoryLedger) Snapshot(context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make(map[uuid.UUID]int, len(l.users))
	for id, n := range l.users {
		users[id] = n
	}
	return Snapshot{System: l.system, Users: users}, nil
}

func (l *MemoryLedger) Reset(_ context.Context, counts map[uuid.UUID]int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = make(map[uuid.UUID]int, len(counts))
	l.system = 0
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		l.users[id] = n
		l.system += n
	}
	return nil
}
