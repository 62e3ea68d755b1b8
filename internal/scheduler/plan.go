package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlanReport is what a tick would do right now, computed without claiming anything.
type PlanReport struct {
	At            time.Time
	OpenCampaigns []uuid.UUID
	Demand        []UserDemand
	Grants        []Grant
	SystemActive  int
	SystemLimit   int
	NextWake      time.Time
}

// Plan runs Scanning and Allocating in preview mode. Fairness state is untouched.
func (s *Scheduler) Plan(ctx context.Context) (PlanReport, error) {
	ctx, span := tracer.Start(ctx, "scheduler.plan")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := PlanReport{At: now, SystemLimit: s.opts.SystemConcurrency}

	sc, err := s.scan(ctx, now)
	if err != nil {
		return report, err
	}
	report.OpenCampaigns = append(report.OpenCampaigns, sc.filter.CampaignIDs...)
	report.NextWake = sc.nextWake
	if len(sc.depth) == 0 {
		return report, nil
	}

	demand, _, systemActive, err := s.demand(ctx, sc.depth)
	if err != nil {
		return report, err
	}
	report.Demand = demand
	report.SystemActive = systemActive

	report.Grants, err = s.allocator.Preview(s.opts.SystemConcurrency, systemActive, demand)
	if err != nil {
		return report, err
	}
	return report, nil
}
