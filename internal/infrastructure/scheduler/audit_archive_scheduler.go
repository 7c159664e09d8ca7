package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AuditLogSource reads policy audit entries by creation time
type AuditLogSource interface {
	AuditLogsBetween(ctx context.Context, from, to time.Time) ([]entitlement.PolicyAuditLog, error)
}

// ArchiveStore is the object storage that receives archived audit days
type ArchiveStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// AuditArchiveConfig holds audit archive configuration
type AuditArchiveConfig struct {
	CronSpec   string
	Prefix     string
	JobTimeout time.Duration
}

// DefaultAuditArchiveConfig returns default configuration
func DefaultAuditArchiveConfig() AuditArchiveConfig {
	return AuditArchiveConfig{
		CronSpec:   "10 0 * * *",
		Prefix:     "policy-audit",
		JobTimeout: 10 * time.Minute,
	}
}

// ArchiveResult describes one archived day
type ArchiveResult struct {
	Day     time.Time
	Key     string
	Entries int
	Skipped bool
}

// AuditArchiveScheduler exports each finished UTC day of policy audit entries as JSON lines
type AuditArchiveScheduler struct {
	config AuditArchiveConfig
	source AuditLogSource
	store  ArchiveStore
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	isRunning bool
	cron      *cron.Cron
	cancel    context.CancelFunc
}

// NewAuditArchiveScheduler creates a new audit archive scheduler
func NewAuditArchiveScheduler(config AuditArchiveConfig, source AuditLogSource, store ArchiveStore, logger *zap.Logger) *AuditArchiveScheduler {
	defaults := DefaultAuditArchiveConfig()
	if config.CronSpec == "" {
		config.CronSpec = defaults.CronSpec
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	return &AuditArchiveScheduler{
		config: config,
		source: source,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the daily export of the previous day
func (s *AuditArchiveScheduler) Start(ctx context.Context) error {
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
	_, err := c.AddFunc(s.config.CronSpec, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, s.config.JobTimeout)
		defer jobCancel()
		if _, err := s.ArchivePreviousDay(jobCtx); err != nil {
			s.logger.Error("Audit archive run failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: archive cron spec %q: %v", ErrInvalidConfig, s.config.CronSpec, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.isRunning = true

	s.logger.Info("Audit archive scheduler started",
		zap.String("cron_spec", s.config.CronSpec),
		zap.String("prefix", s.config.Prefix))
	return nil
}

// Stop stops the schedule and waits for a running export
func (s *AuditArchiveScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	done := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.logger.Info("Audit archive scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ArchivePreviousDay exports yesterday (UTC)
func (s *AuditArchiveScheduler) ArchivePreviousDay(ctx context.Context) (*ArchiveResult, error) {
	return s.ArchiveDay(ctx, s.now().AddDate(0, 0, -1))
}

// ArchiveDay exports the audit entries created during the UTC day containing day.
// Days already present in the store and days without entries are skipped.
func (s *AuditArchiveScheduler) ArchiveDay(ctx context.Context, day time.Time) (*ArchiveResult, error) {
	from := startOfDay(day)
	to := from.AddDate(0, 0, 1)
	if to.After(s.now()) {
		return nil, fmt.Errorf("audit archive: day %s has not finished", from.Format(time.DateOnly))
	}

	key := s.KeyFor(from)
	result := &ArchiveResult{Day: from, Key: key}

	exists, err := s.store.ObjectExists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("audit archive: check %s: %w", key, err)
	}
	if exists {
		result.Skipped = true
		s.logger.Debug("Audit archive already exists", zap.String("key", key))
		return result, nil
	}

	entries, err := s.source.AuditLogsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit archive: read entries: %w", err)
	}
	result.Entries = len(entries)
	if len(entries) == 0 {
		result.Skipped = true
		return result, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("audit archive: encode entry %s: %w", entries[i].ID, err)
		}
	}

	if err := s.store.Upload(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return nil, fmt.Errorf("audit archive: upload %s: %w", key, err)
	}

	s.logger.Info("Policy audit day archived",
		zap.String("day", from.Format(time.DateOnly)),
		zap.String("key", key),
		zap.Int("entries", len(entries)),
		zap.Int("bytes", buf.Len()))
	return result, nil
}

// KeyFor returns the object key of an archived day, e.g. policy-audit/2026/03/05.jsonl
func (s *AuditArchiveScheduler) KeyFor(day time.Time) string {
	d := startOfDay(day)
	return path.Join(s.config.Prefix, d.Format("2006"), d.Format("01"), d.Format("02")+".jsonl")
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
