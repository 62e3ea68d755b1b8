package concurrency

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryLedgerRespectsLimits(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	a, b := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		ok, _ := l.Acquire(ctx, a, 2, 3)
		if !ok {
			t.Fatalf("acquire %d for a should succeed", i)
		}
	}
	if ok, _ := l.Acquire(ctx, a, 2, 3); ok {
		t.Fatalf("user limit must hold")
	}
	if ok, _ := l.Acquire(ctx, b, 5, 3); !ok {
		t.Fatalf("b should get the last system slot")
	}
	if ok, _ := l.Acquire(ctx, b, 5, 3); ok {
		t.Fatalf("system limit must hold")
	}

	snap, _ := l.Snapshot(ctx)
	if snap.System != 3 || snap.Users[a] != 2 || snap.Users[b] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMemoryLedgerReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	u := uuid.New()
	_ = l.Release(ctx, u)
	snap, _ := l.Snapshot(ctx)
	if snap.System != 0 || len(snap.Users) != 0 {
		t.Fatalf("release on empty ledger changed counters: %+v", snap)
	}
}

func TestMemoryLedgerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 90; i++ {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			if ok, _ := l.Acquire(ctx, u, 4, 10); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(users[i%len(users)])
	}
	wg.Wait()

	snap, _ := l.Snapshot(ctx)
	if granted != 10 || snap.System != 10 {
		t.Fatalf("expected exactly 10 grants, got %d (system=%d)", granted, snap.System)
	}
	sum := 0
	for _, n := range snap.Users {
		if n > 4 {
			t.Fatalf("user over limit: %d", n)
		}
		sum += n
	}
	if sum != snap.System {
		t.Fatalf("system %d != sum of users %d", snap.System, sum)
	}
}

func TestMemoryLedgerReset(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	u := uuid.New()
	_, _ = l.Acquire(ctx, u, 5, 5)
	if err := l.Reset(ctx, map[uuid.UUID]int{u: 3, uuid.New(): 0}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap, _ := l.Snapshot(ctx)
	if snap.System != 3 || snap.Users[u] != 3 || len(snap.Users) != 1 {
		t.Fatalf("unexpected snapshot after reset %+v", snap)
	}
}
