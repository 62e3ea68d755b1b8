package scheduler

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

func grantsByUser(grants []Grant) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(grants))
	for _, g := range grants {
		out[g.UserID] += g.Slots
	}
	return out
}

func TestAllocatorAlternatesUnderSharedCap(t *testing.T) {
	a := NewAllocator()
	userA, userB := uuid.New(), uuid.New()
	demand := []UserDemand{
		{UserID: userA, Limit: 3, QueueDepth: 10},
		{UserID: userB, Limit: 3, QueueDepth: 10},
	}

	totals := map[uuid.UUID]int{}
	var previous map[uuid.UUID]int
	for tick := 0; tick < 10; tick++ {
		grants, err := a.Allocate(5, 0, demand)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		got := grantsByUser(grants)
		if got[userA]+got[userB] != 5 {
			t.Fatalf("tick %d: expected the full budget to be used, got %v", tick, got)
		}
		if previous != nil && got[userA] == previous[userA] {
			t.Fatalf("tick %d: the user favoured last tick should go to the back, got %v after %v", tick, got, previous)
		}
		for id, n := range got {
			totals[id] += n
		}
		previous = got
	}

	if totals[userA] != 25 || totals[userB] != 25 {
		t.Fatalf("expected equal cumulative allocation, got A=%d B=%d", totals[userA], totals[userB])
	}
}

func TestAllocatorSkipsEmptyQueues(t *testing.T) {
	a := NewAllocator()
	idle, busy := uuid.New(), uuid.New()
	grants, err := a.Allocate(4, 0, []UserDemand{
		{UserID: idle, Limit: 5, QueueDepth: 0},
		{UserID: busy, Limit: 5, QueueDepth: 10},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := grantsByUser(grants)
	if got[idle] != 0 || got[busy] != 4 {
		t.Fatalf("unexpected grants %v", got)
	}
}

func TestAllocatorHonoursActiveCounts(t *testing.T) {
	a := NewAllocator()
	u1, u2 := uuid.New(), uuid.New()
	grants, err := a.Allocate(6, 4, []UserDemand{
		{UserID: u1, Limit: 3, Active: 3, QueueDepth: 5},
		{UserID: u2, Limit: 4, Active: 1, QueueDepth: 5},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := grantsByUser(grants)
	if got[u1] != 0 || got[u2] != 2 {
		t.Fatalf("unexpected grants %v", got)
	}

	grants, err = a.Allocate(3, 7, []UserDemand{{UserID: u2, Limit: 10, QueueDepth: 5}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("system already over its limit, expected no grants, got %v", grants)
	}
}

func TestAllocatorNeverExceedsCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewAllocator()
	users := make([]uuid.UUID, 6)
	for i := range users {
		users[i] = uuid.New()
	}

	for round := 0; round < 500; round++ {
		systemLimit := rng.Intn(20)
		demand := make([]UserDemand, 0, len(users))
		systemActive := 0
		for _, id := range users {
			limit := rng.Intn(6)
			active := rng.Intn(limit + 1)
			systemActive += active
			demand = append(demand, UserDemand{UserID: id, Limit: limit, Active: active, QueueDepth: rng.Intn(8)})
		}

		grants, err := a.Allocate(systemLimit, systemActive, demand)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		total := 0
		got := grantsByUser(grants)
		for _, d := range demand {
			g := got[d.UserID]
			if g < 0 || d.Active+g > d.Limit || g > d.QueueDepth {
				t.Fatalf("round %d: user grant %d breaks %+v", round, g, d)
			}
			total += g
		}
		if total > 0 && systemActive+total > systemLimit {
			t.Fatalf("round %d: system grant %d over limit %d with %d active", round, total, systemLimit, systemActive)
		}
	}
}

func TestPreviewDoesNotRotate(t *testing.T) {
	a := NewAllocator()
	u1, u2 := uuid.New(), uuid.New()
	demand := []UserDemand{{UserID: u1, Limit: 1, QueueDepth: 1}, {UserID: u2, Limit: 1, QueueDepth: 1}}

	first, _ := a.Preview(1, 0, demand)
	second, _ := a.Preview(1, 0, demand)
	if first[0].UserID != second[0].UserID {
		t.Fatalf("preview must not change fairness order")
	}
	committed, _ := a.Allocate(1, 0, demand)
	next, _ := a.Allocate(1, 0, demand)
	if committed[0].UserID == next[0].UserID {
		t.Fatalf("allocate must rotate the favoured user")
	}
}

func TestRetainDropsUsersWithoutDemand(t *testing.T) {
	a := NewAllocator()
	u1, u2 := uuid.New(), uuid.New()
	demand := []UserDemand{{UserID: u1, Limit: 1, QueueDepth: 1}, {UserID: u2, Limit: 1, QueueDepth: 1}}
	if _, err := a.Allocate(2, 0, demand); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(a.lastGranted) != 2 {
		t.Fatalf("expected history for both users, got %v", a.lastGranted)
	}

	a.Retain(map[uuid.UUID]int{u2: 3})
	if _, ok := a.lastGranted[u1]; ok || len(a.lastGranted) != 1 {
		t.Fatalf("expected only %s to be remembered, got %v", u2, a.lastGranted)
	}

	a.Retain(nil)
	if len(a.lastGranted) != 0 {
		t.Fatalf("expected empty history, got %v", a.lastGranted)
	}
}
