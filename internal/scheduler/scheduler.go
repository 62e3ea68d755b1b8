// Package scheduler drives the dispatch cycle: scan open campaigns, allocate
// concurrency across users, claim queue items and hand them to call initiation.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-dispatcher/internal/app"
	"github.com/acme/call-dispatcher/internal/domain"
	"github.com/acme/call-dispatcher/internal/queue"
	"github.com/acme/call-dispatcher/internal/repository"
	"github.com/acme/call-dispatcher/internal/service/concurrency"
	apperrors "github.com/acme/call-dispatcher/pkg/errors"
	"github.com/acme/call-dispatcher/pkg/logger"
)

var tracer = otel.Tracer("dispatcher.scheduler")

// Initiator starts a call without waiting for it to finish. A returned error
// means the call could not be started at all.
type Initiator interface {
	Initiate(ctx context.Context, req queue.CallRequest) error
}

// Options tunes the loop.
type Options struct {
	TickInterval      time.Duration
	MinIdle           time.Duration
	MaxBatchSize      int
	ScanLimit         int
	InitiationBackoff time.Duration
	MaxInfraRetries   int
	ClaimTimeout      time.Duration
	ReconcileInterval time.Duration
	SystemConcurrency int
	DefaultPerUser    int
	InitiateTimeout   time.Duration
	// DirectRetry applies to calls that do not belong to a campaign.
	DirectRetry domain.RetryPolicy
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Users      repository.UserSettingsRepository
	Queue      repository.QueueRepository
	Stats      repository.CampaignStatisticsRepository
	Deliveries repository.DeliveryRepository
	Attempts   repository.AttemptStore
	Ledger     concurrency.Ledger
	Initiator  Initiator
	Logger     *zap.Logger
	Clock      func() time.Time
	Options    Options
}

// Scheduler is the dispatcher loop. One instance runs per dispatcher process.
type Scheduler struct {
	campaigns  repository.CampaignRepository
	users      repository.UserSettingsRepository
	queue      repository.QueueRepository
	stats      repository.CampaignStatisticsRepository
	deliveries repository.DeliveryRepository
	attempts   repository.AttemptStore
	ledger     concurrency.Ledger
	initiator  Initiator
	allocator  *Allocator
	log        *zap.Logger
	now        func() time.Time
	opts       Options

	// mu serialises selection, claims and settlement so that the ledger
	// moves together with queue item status.
	mu            sync.Mutex
	halted        map[uuid.UUID]string
	lastReconcile time.Time

	wake     chan struct{}
	inflight sync.WaitGroup
}

// New builds a scheduler from the application container.
func New(container *app.Container) (*Scheduler, error) {
	cfg := container.Config
	repos := container.Repositories()

	directRetry, err := domain.NewSimpleRetry(cfg.Retry.MaxRetries, cfg.Retry.Interval)
	if err != nil {
		return nil, err
	}

	return NewWithDeps(Deps{
		Campaigns:  repos.Campaign,
		Users:      repos.Users,
		Queue:      repos.Queue,
		Stats:      repos.Stats,
		Deliveries: repos.Deliveries,
		Attempts:   repos.Attempts,
		Ledger:     container.Ledger(),
		Initiator:  container.Publishers().Calls,
		Logger:     container.Logger.Named("scheduler"),
		Options: Options{
			TickInterval:      cfg.Scheduler.TickInterval,
			MinIdle:           cfg.Scheduler.MinIdle,
			MaxBatchSize:      cfg.Scheduler.MaxBatchSize,
			ScanLimit:         cfg.Scheduler.ScanLimit,
			InitiationBackoff: cfg.Scheduler.InitiationBackoff,
			MaxInfraRetries:   cfg.Scheduler.MaxInfraRetries,
			ClaimTimeout:      cfg.Scheduler.ClaimTimeout,
			ReconcileInterval: cfg.Scheduler.ReconcileInterval,
			SystemConcurrency: cfg.Throttle.SystemConcurrency,
			DefaultPerUser:    cfg.Throttle.DefaultPerUser,
			InitiateTimeout:   cfg.CallBridge.RequestTimeout,
			DirectRetry:       directRetry,
		},
	}), nil
}

// NewWithDeps builds a scheduler from explicit collaborators.
func NewWithDeps(d Deps) *Scheduler {
	opts := d.Options
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 250 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 500
	}
	if opts.InitiationBackoff <= 0 {
		opts.InitiationBackoff = 30 * time.Second
	}
	if opts.InitiateTimeout <= 0 {
		opts.InitiateTimeout = 30 * time.Second
	}

	clock := d.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	return &Scheduler{
		campaigns:  d.Campaigns,
		users:      d.Users,
		queue:      d.Queue,
		stats:      d.Stats,
		deliveries: d.Deliveries,
		attempts:   d.Attempts,
		ledger:     d.Ledger,
		initiator:  d.Initiator,
		allocator:  NewAllocator(),
		log:        lg,
		now:        clock,
		opts:       opts,
		halted:     make(map[uuid.UUID]string),
		wake:       make(chan struct{}, 1),
	}
}

// TickReport summarises one pass of the loop.
type TickReport struct {
	OpenCampaigns int
	EligibleUsers int
	Granted       int
	Dispatched    int
	Skipped       int
	// NextWake is when the loop should look again. Zero means use the tick interval.
	NextWake time.Time
}

// Wake asks the loop to run a tick as soon as possible. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes the loop until ctx is cancelled, then waits for in-flight initiations.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		s.log.Warn("initial ledger reconcile failed", zap.Error(err))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}

		report, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("tick failed", zap.Error(err))
		}
		timer.Reset(s.sleepFor(report))
	}
}

// WaitIdle blocks until every launched initiation has returned.
func (s *Scheduler) WaitIdle() {
	s.inflight.Wait()
}

func (s *Scheduler) sleepFor(report TickReport) time.Duration {
	if report.NextWake.IsZero() {
		return s.opts.TickInterval
	}
	d := report.NextWake.Sub(s.now())
	if d < s.opts.MinIdle {
		return s.opts.MinIdle
	}
	if d > s.opts.TickInterval {
		return s.opts.TickInterval
	}
	return d
}

// Tick runs Scanning, Allocating and Dispatching once.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var report TickReport

	s.maintain(ctx, now)

	sc, err := s.scan(ctx, now)
	if err != nil {
		span.RecordError(err)
		return report, err
	}
	report.OpenCampaigns = len(sc.open)
	report.EligibleUsers = len(sc.depth)
	s.allocator.Retain(sc.depth)
	span.SetAttributes(
		attribute.Int("campaigns.open", len(sc.open)),
		attribute.Int("users.eligible", len(sc.depth)),
	)

	if len(sc.depth) == 0 {
		report.NextWake = sc.nextWake
		s.log.Debug("nothing eligible", zap.Time("next_wake", sc.nextWake))
		return report, nil
	}

	demand, limits, systemActive, err := s.demand(ctx, sc.depth)
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	grants, err := s.allocator.Allocate(s.opts.SystemConcurrency, systemActive, demand)
	if err != nil {
		span.RecordError(err)
		logger.Alert(s.log, "allocator invariant violated, dispatch aborted", zap.Error(err))
		return report, err
	}

	for _, g := range grants {
		report.Granted += g.Slots
		dispatched, skipped := s.dispatchUser(ctx, g, limits[g.UserID], sc, now)
		report.Dispatched += dispatched
		report.Skipped += skipped
	}

	span.SetAttributes(
		attribute.Int("slots.granted", report.Granted),
		attribute.Int("items.dispatched", report.Dispatched),
		attribute.Int("items.skipped", report.Skipped),
	)
	if report.Dispatched > 0 || report.Skipped > 0 {
		s.log.Info("tick dispatched",
			zap.Int("granted", report.Granted),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("skipped", report.Skipped),
			zap.Int("system_active", systemActive+report.Dispatched),
		)
	}
	return report, nil
}

type scanResult struct {
	filter   repository.EligibilityFilter
	open     map[uuid.UUID]*domain.Campaign
	depth    map[uuid.UUID]int
	nextWake time.Time
}

// scan gates active campaigns through their calling window and measures eligible depth.
func (s *Scheduler) scan(ctx context.Context, now time.Time) (scanResult, error) {
	sc := scanResult{
		filter: repository.EligibilityFilter{Now: now, IncludeDirect: true},
		open:   make(map[uuid.UUID]*domain.Campaign),
	}

	campaigns, err := s.campaigns.ListByStatus(ctx, domain.CampaignStatusActive, s.opts.ScanLimit)
	if err != nil {
		return sc, err
	}

	owners := make([]uuid.UUID, 0, len(campaigns))
	for _, c := range campaigns {
		owners = append(owners, c.UserID)
	}
	settings, err := s.users.ListByIDs(ctx, owners)
	if err != nil {
		return sc, err
	}

	for _, c := range campaigns {
		if reason, ok := s.halted[c.ID]; ok {
			s.log.Debug("campaign halted", zap.String("campaign_id", c.ID.String()), zap.String("reason", reason))
			continue
		}
		userTZ := ""
		if u, ok := settings[c.UserID]; ok {
			userTZ = u.TimeZone
		}
		tz := c.ResolveTimeZone(userTZ)

		open, err := IsWithinWindow(now, c.Window, tz)
		if err != nil {
			s.log.Error("campaign skipped: invalid calling window configuration",
				zap.String("campaign_id", c.ID.String()),
				zap.String("time_zone", tz),
				zap.Error(err),
			)
			continue
		}
		if open {
			sc.open[c.ID] = c
			sc.filter.CampaignIDs = append(sc.filter.CampaignIDs, c.ID)
			continue
		}
		if at, ok, _ := NextWindowOpen(now, c.Window, tz); ok {
			sc.nextWake = earliest(sc.nextWake, at)
		}
	}

	sc.depth, err = s.queue.EligibleDepth(ctx, sc.filter)
	if err != nil {
		return sc, err
	}
	for id, n := range sc.depth {
		if n <= 0 {
			delete(sc.depth, id)
		}
	}

	if len(sc.depth) == 0 {
		next, err := s.queue.EarliestScheduled(ctx, sc.filter)
		if err != nil {
			return sc, err
		}
		if next != nil && next.After(now) {
			sc.nextWake = earliest(sc.nextWake, *next)
		}
	}
	return sc, nil
}

// demand reads limits and the ledger snapshot for users with eligible items.
func (s *Scheduler) demand(ctx context.Context, depth map[uuid.UUID]int) ([]UserDemand, map[uuid.UUID]int, int, error) {
	ids := make([]uuid.UUID, 0, len(depth))
	for id := range depth {
		ids = append(ids, id)
	}
	settings, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, nil, 0, err
	}
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	limits := make(map[uuid.UUID]int, len(ids))
	demand := make([]UserDemand, 0, len(ids))
	for _, id := range ids {
		limit := s.opts.DefaultPerUser
		if u, ok := settings[id]; ok {
			limit = u.ConcurrentLimit
		}
		limits[id] = limit

		d := depth[id]
		if d > s.opts.MaxBatchSize {
			d = s.opts.MaxBatchSize
		}
		demand = append(demand, UserDemand{UserID: id, Limit: limit, Active: snap.Users[id], QueueDepth: d})
	}
	return demand, limits, snap.System, nil
}

// dispatchUser selects, claims and launches up to g.Slots items for one user.
func (s *Scheduler) dispatchUser(ctx context.Context, g Grant, limit int, sc scanResult, now time.Time) (dispatched, skipped int) {
	ctx, span := tracer.Start(ctx, "scheduler.dispatch_user", trace.WithAttributes(
		attribute.String("user.id", g.UserID.String()),
		attribute.Int("slots", g.Slots),
	))
	defer span.End()

	lg := s.log.With(zap.String("user_id", g.UserID.String()))

	items, err := s.queue.NextEligible(ctx, g.UserID, sc.filter, g.Slots)
	if err != nil {
		span.RecordError(err)
		lg.Error("select eligible items failed", zap.Error(err))
		return 0, 0
	}

	for _, item := range items {
		if err := s.checkSelection(item, g.UserID, sc); err != nil {
			s.haltForItem(ctx, item, err, now)
			continue
		}

		if reason := item.Malformed(); reason != "" {
			if s.skip(ctx, item, reason, now) {
				skipped++
			}
			continue
		}

		ok, err := s.ledger.Acquire(ctx, item.UserID, limit, s.opts.SystemConcurrency)
		if err != nil {
			span.RecordError(err)
			lg.Error("ledger acquire failed", zap.Error(err))
			return dispatched, skipped
		}
		if !ok {
			lg.Debug("ledger full, stopping user dispatch", zap.Int("dispatched", dispatched))
			return dispatched, skipped
		}

		claimed, err := s.queue.Claim(ctx, item.ID, now)
		if err != nil || !claimed {
			if rerr := s.ledger.Release(ctx, item.UserID); rerr != nil {
				lg.Error("ledger release after failed claim", zap.Error(rerr))
			}
			if err != nil {
				lg.Error("claim failed", zap.String("queue_item_id", item.ID.String()), zap.Error(err))
			}
			continue
		}

		s.launch(item, now)
		dispatched++
	}
	return dispatched, skipped
}

// checkSelection verifies that a selected item really belongs in this grant.
func (s *Scheduler) checkSelection(item *domain.QueueItem, userID uuid.UUID, sc scanResult) error {
	if item.UserID != userID {
		return errors.Join(apperrors.ErrInvariant, errors.New("selected item belongs to another user"))
	}
	if item.Status != domain.QueueStatusQueued {
		return errors.Join(apperrors.ErrInvariant, errors.New("selected item is not queued"))
	}
	if item.CampaignID != nil {
		if _, ok := sc.open[*item.CampaignID]; !ok {
			return errors.Join(apperrors.ErrInvariant, errors.New("selected item belongs to a campaign outside its window"))
		}
	}
	return nil
}

// haltForItem stops dispatch for the item's campaign and raises an alert.
func (s *Scheduler) haltForItem(ctx context.Context, item *domain.QueueItem, cause error, now time.Time) {
	fields := []zap.Field{zap.String("queue_item_id", item.ID.String()), zap.Error(cause)}
	if item.CampaignID == nil {
		logger.Alert(s.log, "invalid selection for direct call", fields...)
		return
	}
	campaignID := *item.CampaignID
	s.halted[campaignID] = cause.Error()
	fields = append(fields, zap.String("campaign_id", campaignID.String()))
	if _, err := s.campaigns.TransitionStatus(ctx, campaignID, []domain.CampaignStatus{domain.CampaignStatusActive}, domain.CampaignStatusPaused, now); err != nil {
		fields = append(fields, zap.NamedError("pause_error", err))
	}
	logger.Alert(s.log, "campaign dispatch halted", fields...)
}

// Resume clears a halt recorded by this process.
func (s *Scheduler) Resume(campaignID uuid.UUID) {
	s.mu.Lock()
	delete(s.halted, campaignID)
	s.mu.Unlock()
}

func (s *Scheduler) skip(ctx context.Context, item *domain.QueueItem, reason string, now time.Time) bool {
	ok, err := s.queue.Skip(ctx, item.ID, reason, now)
	if err != nil {
		s.log.Error("skip item failed", zap.String("queue_item_id", item.ID.String()), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	s.log.Warn("queue item skipped", zap.String("queue_item_id", item.ID.String()), zap.String("reason", reason))
	if item.CampaignID != nil {
		s.applyStats(ctx, *item.CampaignID, repository.StatsDelta{SkippedCallsDelta: 1})
		s.maybeComplete(ctx, *item.CampaignID, now)
	}
	return true
}

// launch hands the claimed item to the initiator without blocking the loop.
func (s *Scheduler) launch(item *domain.QueueItem, now time.Time) {
	req := queue.CallRequest{
		QueueItemID: item.ID,
		UserID:      item.UserID,
		CampaignID:  item.CampaignID,
		AgentID:     item.AgentID,
		PhoneNumber: item.PhoneNumber,
		Attempt:     item.RetryCount,
		UserData:    item.UserData,
		RequestedAt: now,
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitiateTimeout)
		defer cancel()

		if err := s.initiator.Initiate(ctx, req); err != nil {
			// ctx may have expired with the initiation itself.
			hctx, hcancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.InitiateTimeout)
			defer hcancel()
			if herr := s.HandleInitiationFailure(hctx, req.QueueItemID, err.Error()); herr != nil {
				s.log.Error("handle initiation failure", zap.String("queue_item_id", req.QueueItemID.String()), zap.Error(herr))
			}
		}
	}()
}

func earliest(current, candidate time.Time) time.Time {
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}
