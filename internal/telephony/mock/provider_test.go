package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/call-dispatcher/internal/config"
	"github.com/acme/call-dispatcher/internal/queue"
)

func TestProviderRefusesAtFullFailureRate(t *testing.T) {
	p := NewSeededProvider(config.CallBridgeConfig{InitiationFailureRate: 1, RequestTimeout: 20 * time.Millisecond}, 1)
	if _, err := p.PlaceCall(context.Background(), queue.CallRequest{}); !errors.Is(err, ErrNoTrunk) {
		t.Fatalf("expected ErrNoTrunk, got %v", err)
	}
}

func TestProviderProducesValidOutcomes(t *testing.T) {
	p := NewSeededProvider(config.CallBridgeConfig{RequestTimeout: 20 * time.Millisecond}, 42)
	for i := 0; i < 50; i++ {
		res, err := p.PlaceCall(context.Background(), queue.CallRequest{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.Outcome.Valid() {
			t.Fatalf("call %d: invalid outcome %q", i, res.Outcome)
		}
	}
}

func TestProviderHonoursCancellation(t *testing.T) {
	p := NewSeededProvider(config.CallBridgeConfig{}, 7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.PlaceCall(ctx, queue.CallRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
