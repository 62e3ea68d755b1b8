package concurrency

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func newIntegrationLedger(t *testing.T) *RedisLedger {
	t.Helper()
	addr := os.Getenv("DISPATCHER_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set DISPATCHER_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	l := NewRedisLedger(client, "dispatcher:test:"+strconv.FormatInt(time.Now().UnixNano(), 10))
	t.Cleanup(func() {
		_ = client.Del(context.Background(), l.keys()...).Err()
		_ = client.Close()
	})
	return l
}

func TestRedisLedgerIntegrationRespectsLimits(t *testing.T) {
	l := newIntegrationLedger(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		if ok, err := l.Acquire(ctx, a, 2, 3); err != nil || !ok {
			t.Fatalf("acquire %d for a: ok=%v err=%v", i, ok, err)
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

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.System != 3 || snap.Users[a] != 2 || snap.Users[b] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := l.Release(ctx, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	snap, _ = l.Snapshot(ctx)
	if _, ok := snap.Users[b]; ok || snap.System != 2 {
		t.Fatalf("released user should be removed, got %+v", snap)
	}
}

func TestRedisLedgerIntegrationReleaseFloorsAtZero(t *testing.T) {
	l := newIntegrationLedger(t)
	ctx := context.Background()
	if err := l.Release(ctx, uuid.New()); err != nil {
		t.Fatalf("release: %v", err)
	}
	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.System != 0 || len(snap.Users) != 0 {
		t.Fatalf("release on empty ledger changed counters: %+v", snap)
	}
}

func TestRedisLedgerIntegrationConcurrentAcquire(t *testing.T) {
	l := newIntegrationLedger(t)
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = make(map[uuid.UUID]int)
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			ok, err := l.Acquire(ctx, u, 4, 10)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted[u]++
				mu.Unlock()
			}
		}(users[i%len(users)])
	}
	wg.Wait()

	total := 0
	for _, u := range users {
		if granted[u] > 4 {
			t.Fatalf("user %s granted %d slots over its limit", u, granted[u])
		}
		total += granted[u]
	}
	if total != 10 {
		t.Fatalf("expected the system cap to be filled exactly, got %d", total)
	}
	snap, _ := l.Snapshot(ctx)
	if snap.System != 10 {
		t.Fatalf("ledger disagrees with grants: %+v", snap)
	}
}

func TestRedisLedgerIntegrationResetOverwrites(t *testing.T) {
	l := newIntegrationLedger(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	_, _ = l.Acquire(ctx, a, 5, 5)

	if err := l.Reset(ctx, map[uuid.UUID]int{b: 3, a: 0}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.System != 3 || snap.Users[b] != 3 || len(snap.Users) != 1 {
		t.Fatalf("unexpected snapshot after reset %+v", snap)
	}
}
