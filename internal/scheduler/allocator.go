package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

// UserDemand is one user's view for a single allocation round.
type UserDemand struct {
	UserID     uuid.UUID
	Limit      int
	Active     int
	QueueDepth int
}

func (d UserDemand) eligible() int {
	avail := d.Limit - d.Active
	if avail < 0 {
		avail = 0
	}
	if d.QueueDepth < avail {
		return d.QueueDepth
	}
	return avail
}

// Grant is the number of items a user may dispatch this tick.
type Grant struct {
	UserID uuid.UUID
	Slots  int
}

// Allocator shares the system concurrency budget across users round-robin,
// least recently granted first. It remembers grants across ticks.
type Allocator struct {
	mu          sync.Mutex
	seq         uint64
	lastGranted map[uuid.UUID]uint64
}

// NewAllocator returns an allocator with no history.
func NewAllocator() *Allocator {
	return &Allocator{lastGranted: make(map[uuid.UUID]uint64)}
}

// Allocate distributes max(0, systemLimit-systemActive) slots and records the
// grants so that users served now go to the back of the line next tick.
func (a *Allocator) Allocate(systemLimit, systemActive int, users []UserDemand) ([]Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocate(systemLimit, systemActive, users, true)
}

// Preview runs the same distribution without touching fairness state.
func (a *Allocator) Preview(systemLimit, systemActive int, users []UserDemand) ([]Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocate(systemLimit, systemActive, users, false)
}

// Retain drops history for users missing from depth, so users without
// eligible work are not remembered for the life of the process.
func (a *Allocator) Retain(depth map[uuid.UUID]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.lastGranted {
		if depth[id] == 0 {
			delete(a.lastGranted, id)
		}
	}
}

func (a *Allocator) allocate(systemLimit, systemActive int, users []UserDemand, commit bool) ([]Grant, error) {
	available := systemLimit - systemActive
	if available < 0 {
		available = 0
	}

	order := make([]UserDemand, len(users))
	copy(order, users)
	sort.SliceStable(order, func(i, j int) bool {
		li, lj := a.lastGranted[order[i].UserID], a.lastGranted[order[j].UserID]
		if li != lj {
			return li < lj
		}
		return order[i].UserID.String() < order[j].UserID.String()
	})

	remaining := make([]int, len(order))
	granted := make([]int, len(order))
	for i, u := range order {
		remaining[i] = u.eligible()
	}

	seq := a.seq
	last := make(map[uuid.UUID]uint64)
	for available > 0 {
		progressed := false
		for i := range order {
			if available == 0 {
				break
			}
			if remaining[i] == 0 {
				continue
			}
			remaining[i]--
			granted[i]++
			available--
			seq++
			last[order[i].UserID] = seq
			progressed = true
		}
		if !progressed {
			break
		}
	}

	grants := make([]Grant, 0, len(order))
	for i, u := range order {
		if granted[i] > 0 {
			grants = append(grants, Grant{UserID: u.UserID, Slots: granted[i]})
		}
	}
	if err := checkGrants(systemLimit, systemActive, order, grants); err != nil {
		return nil, err
	}

	if commit {
		a.seq = seq
		for id, s := range last {
			a.lastGranted[id] = s
		}
	}
	return grants, nil
}

func checkGrants(systemLimit, systemActive int, users []UserDemand, grants []Grant) error {
	byUser := make(map[uuid.UUID]UserDemand, len(users))
	for _, u := range users {
		byUser[u.UserID] = u
	}
	total := 0
	for _, g := range grants {
		u, ok := byUser[g.UserID]
		switch {
		case !ok:
			return fmt.Errorf("%w: grant for unknown user %s", apperrors.ErrInvariant, g.UserID)
		case g.Slots < 0:
			return fmt.Errorf("%w: negative grant %d for user %s", apperrors.ErrInvariant, g.Slots, g.UserID)
		case u.Active+g.Slots > u.Limit:
			return fmt.Errorf("%w: user %s over limit (%d active + %d granted > %d)", apperrors.ErrInvariant, g.UserID, u.Active, g.Slots, u.Limit)
		}
		total += g.Slots
	}
	if total > 0 && systemActive+total > systemLimit {
		return fmt.Errorf("%w: system over limit (%d active + %d granted > %d)", apperrors.ErrInvariant, systemActive, total, systemLimit)
	}
	return nil
}
