package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TenantReconciler recomputes billable counters
type TenantReconciler interface {
	Reconcile(ctx context.Context, tenantID uuid.UUID) (*appent.ReconcileResult, error)
	ReconcileMany(ctx context.Context, tenantIDs []uuid.UUID) appent.ReconcileSummary
	AffectedTenants(ctx context.Context, msg entitlement.ChangeMessage) ([]uuid.UUID, error)
	AllTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ReconcileSchedulerConfig holds reconciliation scheduling configuration
type ReconcileSchedulerConfig struct {
	// CronSpec schedules the full sweep and bounds how stale any counter can get
	CronSpec string

	// Workers drain the per-tenant queue
	Workers int

	// QueueSize is the capacity of the per-tenant queue
	QueueSize int

	// JobTimeout bounds one tenant reconciliation
	JobTimeout time.Duration

	// DeferredSlack is added to a future effectiveFrom before the deferred run fires
	DeferredSlack time.Duration

	// ClaimTTL is how long a change message stays claimed by the instance that handled it
	ClaimTTL time.Duration
}

// WorkClaims lets one of several instances take a unit of work
type WorkClaims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// DefaultReconcileSchedulerConfig returns default configuration
func DefaultReconcileSchedulerConfig() ReconcileSchedulerConfig {
	return ReconcileSchedulerConfig{
		CronSpec:      "@every 15m",
		Workers:       2,
		QueueSize:     1024,
		JobTimeout:    2 * time.Minute,
		DeferredSlack: time.Second,
		ClaimTTL:      10 * time.Minute,
	}
}

// ReconcileScheduler runs counter reconciliation on three triggers: a cron sweep over
// every tenant, change messages (immediate), and future policy activations (deferred).
type ReconcileScheduler struct {
	config     ReconcileSchedulerConfig
	reconciler TenantReconciler
	notifier   entitlement.ChangeNotifier
	logger     *zap.Logger
	now        func() time.Time
	claims     WorkClaims
	sweepTTL   time.Duration

	mu        sync.Mutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	cron      *cron.Cron
	jobs      chan uuid.UUID
	pending   map[uuid.UUID]struct{}
	deferred  map[uuid.UUID]*time.Timer
	wg        sync.WaitGroup
}

// NewReconcileScheduler creates a new reconcile scheduler. notifier may be nil.
func NewReconcileScheduler(
	config ReconcileSchedulerConfig,
	reconciler TenantReconciler,
	notifier entitlement.ChangeNotifier,
	logger *zap.Logger,
) *ReconcileScheduler {
	defaults := DefaultReconcileSchedulerConfig()
	if config.CronSpec == "" {
		config.CronSpec = defaults.CronSpec
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.DeferredSlack < 0 {
		config.DeferredSlack = 0
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}
	return &ReconcileScheduler{
		config:     config,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		pending:    make(map[uuid.UUID]struct{}),
		deferred:   make(map[uuid.UUID]*time.Timer),
	}
}

// Start starts the workers, the cron sweep and the change subscription
func (s *ReconcileScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.config.CronSpec, func() { s.sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("%w: reconcile cron spec %q: %v", ErrInvalidConfig, s.config.CronSpec, err)
	}

	s.ctx = ctx
	s.cancel = cancel
	s.cron = c
	s.sweepTTL = sweepClaimTTL(c, s.now())
	s.jobs = make(chan uuid.UUID, s.config.QueueSize)
	s.pending = make(map[uuid.UUID]struct{})
	s.isRunning = true

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, s.jobs, i)
	}
	c.Start()

	if s.notifier != nil {
		err := s.notifier.Subscribe(ctx, s.HandleChange, entitlement.TopicPolicyChanged, entitlement.TopicQuotaChanged)
		if err != nil {
			// The cron sweep still bounds staleness without change messages.
			s.logger.Error("Failed to subscribe reconcile scheduler to change notifications", zap.Error(err))
		}
	}

	s.logger.Info("Reconcile scheduler started",
		zap.String("cron_spec", s.config.CronSpec),
		zap.Int("workers", s.config.Workers),
		zap.Int("queue_size", s.config.QueueSize),
		zap.Duration("job_timeout", s.config.JobTimeout))
	return nil
}

// Stop cancels deferred runs and waits for in-flight reconciliations
func (s *ReconcileScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	for policyID, timer := range s.deferred {
		timer.Stop()
		delete(s.deferred, policyID)
	}
	cronDone := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Reconcile scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Reconcile scheduler stop timed out")
		return ctx.Err()
	}
}

// SetWorkClaims makes change-triggered runs and sweeps happen on one instance only.
// Without claims every instance reconciles on every trigger.
func (s *ReconcileScheduler) SetWorkClaims(claims WorkClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = claims
}

// claim reports whether this instance should run the work under key. A claim
// store failure runs the work anyway; reconciliation is idempotent.
func (s *ReconcileScheduler) claim(ctx context.Context, key string, ttl time.Duration) bool {
	s.mu.Lock()
	claims := s.claims
	s.mu.Unlock()
	if claims == nil || ttl <= 0 {
		return true
	}
	ok, err := claims.Claim(ctx, key, ttl)
	if err != nil {
		s.logger.Warn("Work claim unavailable; running unclaimed", zap.String("key", key), zap.Error(err))
		return true
	}
	if !ok {
		s.logger.Debug("Work already claimed by another instance", zap.String("key", key))
	}
	return ok
}

// sweepClaimTTL is slightly shorter than the sweep interval so each interval has one sweep
func sweepClaimTTL(c *cron.Cron, now time.Time) time.Duration {
	entries := c.Entries()
	if len(entries) == 0 {
		return 0
	}
	next := entries[0].Schedule.Next(now)
	return entries[0].Schedule.Next(next).Sub(next) * 9 / 10
}

// Enqueue requests an asynchronous reconciliation of a tenant. A tenant already waiting
// in the queue is not queued twice.
func (s *ReconcileScheduler) Enqueue(tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return ErrSchedulerNotRunning
	}
	if _, ok := s.pending[tenantID]; ok {
		return nil
	}

	select {
	case s.jobs <- tenantID:
		s.pending[tenantID] = struct{}{}
		return nil
	default:
		return ErrJobQueueFull
	}
}

// Trigger is the fire-and-forget form of Enqueue used by the counter service
func (s *ReconcileScheduler) Trigger(tenantID uuid.UUID) {
	if err := s.Enqueue(tenantID); err != nil {
		s.logger.Warn("Failed to queue tenant reconciliation",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

// HandleChange reacts to change messages. Policy changes effective now reconcile the affected
// tenants right away; a change that takes effect later is reconciled when it activates.
func (s *ReconcileScheduler) HandleChange(_ context.Context, msg entitlement.ChangeMessage) {
	s.mu.Lock()
	running := s.isRunning
	runCtx := s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	switch msg.Topic {
	case entitlement.TopicPolicyChanged:
		if msg.EffectiveFrom != nil && msg.EffectiveFrom.After(s.now()) {
			s.scheduleDeferred(runCtx, msg)
			return
		}
		s.enqueueAffected(runCtx, msg)
	case entitlement.TopicQuotaChanged:
		s.enqueueAffected(runCtx, msg)
	}
}

// PendingCount returns the number of queued tenants
func (s *ReconcileScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DeferredCount returns the number of scheduled future activations
func (s *ReconcileScheduler) DeferredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// IsRunning returns whether the scheduler is running
func (s *ReconcileScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

func (s *ReconcileScheduler) scheduleDeferred(ctx context.Context, msg entitlement.ChangeMessage) {
	key := msg.ID
	if msg.PolicyID != nil {
		key = *msg.PolicyID
	}
	delay := msg.EffectiveFrom.Sub(s.now()) + s.config.DeferredSlack

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	if existing, ok := s.deferred[key]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.deferred[key] == timer {
			delete(s.deferred, key)
		}
		s.mu.Unlock()
		s.enqueueAffected(ctx, msg)
	})
	s.deferred[key] = timer

	s.logger.Info("Deferred reconciliation scheduled",
		zap.String("scope", msg.Scope.String()),
		zap.String("scope_id", msg.ScopeID.String()),
		zap.String("policy_id", key.String()),
		zap.Time("effective_from", *msg.EffectiveFrom),
		zap.Duration("delay", delay))
}

func (s *ReconcileScheduler) enqueueAffected(ctx context.Context, msg entitlement.ChangeMessage) {
	if ctx.Err() != nil {
		return
	}
	if !s.claim(ctx, "reconcile:change:"+msg.ID.String(), s.config.ClaimTTL) {
		return
	}
	tenantIDs, err := s.reconciler.AffectedTenants(ctx, msg)
	if err != nil {
		s.logger.Error("Failed to determine tenants affected by change",
			zap.String("topic", msg.Topic),
			zap.String("scope", msg.Scope.String()),
			zap.String("scope_id", msg.ScopeID.String()),
			zap.Error(err))
		return
	}

	var overflow []uuid.UUID
	for _, tenantID := range tenantIDs {
		err := s.Enqueue(tenantID)
		switch {
		case err == nil:
		case errors.Is(err, ErrJobQueueFull):
			overflow = append(overflow, tenantID)
		default:
			return
		}
	}

	s.logger.Debug("Reconciliation queued for change",
		zap.String("topic", msg.Topic),
		zap.String("scope", msg.Scope.String()),
		zap.Int("tenants", len(tenantIDs)),
		zap.Int("overflow", len(overflow)))

	if len(overflow) > 0 {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.runBatch(ctx, "overflow", overflow)
		}()
	}
}

func (s *ReconcileScheduler) worker(ctx context.Context, jobs <-chan uuid.UUID, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-jobs:
			s.mu.Lock()
			delete(s.pending, tenantID)
			s.mu.Unlock()
			s.reconcileOne(ctx, tenantID, workerID)
		}
	}
}

func (s *ReconcileScheduler) reconcileOne(ctx context.Context, tenantID uuid.UUID, workerID int) {
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	result, err := s.reconciler.Reconcile(jobCtx, tenantID)
	if err != nil {
		s.logger.Error("Tenant reconciliation failed",
			zap.Int("worker_id", workerID),
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return
	}
	s.logger.Debug("Tenant reconciled",
		zap.Int("worker_id", workerID),
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("billable_count", result.BillableCount))
}

// sweep reconciles every tenant with a counter
func (s *ReconcileScheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	ttl := s.sweepTTL
	s.mu.Unlock()
	if !s.claim(ctx, "reconcile:sweep", ttl) {
		return
	}
	tenantIDs, err := s.reconciler.AllTenantIDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants for reconciliation sweep", zap.Error(err))
		return
	}
	s.runBatch(ctx, "sweep", tenantIDs)
}

func (s *ReconcileScheduler) runBatch(ctx context.Context, kind string, tenantIDs []uuid.UUID) {
	start := time.Now()
	summary := s.reconciler.ReconcileMany(ctx, tenantIDs)
	s.logger.Info("Reconciliation batch finished",
		zap.String("kind", kind),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("drift_detected", summary.DriftDetected),
		zap.Duration("duration", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
