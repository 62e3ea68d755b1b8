package telephony

import (
	"context"
	"time"

	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
)

// Result captures how a dialled call ended.
type Result struct {
	Outcome  domain.CallOutcome
	Duration time.Duration
	Cost     float64
	Reason   string
}

// Provider abstracts the telephony integration. PlaceCall blocks until the
// call ends. An error means the call could not be started at all.
type Provider interface {
	PlaceCall(ctx context.Context, req queue.CallRequest) (Result, error)
}
