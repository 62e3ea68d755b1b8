package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/acme/call-dispatcher/pkg/errors"
)

func TestNewCustomRetryRejectsBadSchedules(t *testing.T) {
	cases := map[string][]RetryStep{
		"attempt zero": {{Attempt: 0, Delay: time.Minute}},
		"attempt six":  {{Attempt: 6, Delay: time.Minute}},
		"duplicate":    {{Attempt: 2, Delay: time.Minute}, {Attempt: 2, Delay: 2 * time.Minute}},
		"non-positive": {{Attempt: 1, Delay: 0}},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCustomRetry(steps)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestNewCustomRetryOrdersSteps(t *testing.T) {
	policy, err := NewCustomRetry([]RetryStep{{Attempt: 3, Delay: time.Hour}, {Attempt: 1, Delay: 10 * time.Minute}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	custom, ok := policy.Custom()
	if !ok {
		t.Fatalf("expected custom strategy, got %s", policy.Strategy())
	}
	if custom.Steps[0].Attempt != 1 || custom.Steps[1].Attempt != 3 {
		t.Fatalf("steps not ordered: %+v", custom.Steps)
	}
	if _, ok := custom.DelayFor(2); ok {
		t.Fatalf("attempt 2 should be a gap")
	}
}

func TestNewSimpleRetryValidation(t *testing.T) {
	if _, err := NewSimpleRetry(-1, time.Minute); err == nil {
		t.Fatalf("expected error for negative retries")
	}
	if _, err := NewSimpleRetry(2, 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
	if _, err := NewSimpleRetry(0, 0); err != nil {
		t.Fatalf("zero retries should not need an interval: %v", err)
	}
}

func TestRetryPolicyJSONShapes(t *testing.T) {
	simple, _ := NewSimpleRetry(3, 30*time.Minute)
	raw, err := json.Marshal(simple)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"strategy":"simple","max_retries":3,"interval_minutes":30}` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	var decoded RetryPolicy
	if err := json.Unmarshal([]byte(`{"strategy":"custom","schedule":[{"attempt":3,"delay_minutes":60},{"attempt":1,"delay_minutes":10}]}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	custom, ok := decoded.Custom()
	if !ok || len(custom.Steps) != 2 || custom.Steps[1].Delay != time.Hour {
		t.Fatalf("unexpected decoded policy: %+v", custom)
	}
}

func TestRetryPolicyJSONRejectsMalformedSchedule(t *testing.T) {
	var p RetryPolicy
	err := json.Unmarshal([]byte(`{"strategy":"custom","schedule":[{"attempt":9,"delay_minutes":5}]}`), &p)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	err = json.Unmarshal([]byte(`{"strategy":"exponential"}`), &p)
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown strategy, got %v", err)
	}
}

func TestZeroRetryPolicyIsNone(t *testing.T) {
	var p RetryPolicy
	if p.Strategy() != RetryStrategyNone {
		t.Fatalf("expected none, got %s", p.Strategy())
	}
}
