package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

// PolicyServiceConfig holds configuration for policy writes
type PolicyServiceConfig struct {
	// MaxRetries is how many times a write is retried after a retryable conflict
	MaxRetries int

	// RetryBackoff is the base delay between retries; attempt n waits n*RetryBackoff
	RetryBackoff time.Duration
}

// DefaultPolicyServiceConfig returns default configuration
func DefaultPolicyServiceConfig() PolicyServiceConfig {
	return PolicyServiceConfig{
		MaxRetries:   3,
		RetryBackoff: 25 * time.Millisecond,
	}
}

// SetPolicyInput is a request to open a new policy record for a scope key
type SetPolicyInput struct {
	Key           entitlement.ScopeKey
	Flags         entitlement.PolicyFlags
	EffectiveFrom *time.Time
	Note          string
	// ExpectedVersion, when set, must equal the scope key's current version
	ExpectedVersion *int
}

// SetPolicyResult is the outcome of a policy write
type SetPolicyResult struct {
	Policy     *entitlement.PolicyRecord
	Superseded *entitlement.PolicyRecord
	History    *entitlement.PolicyHistoryRecord
	Audit      *entitlement.PolicyAuditLog
	Version    int
	Attempts   int
}

// PolicyService writes and reads versioned billing policies
type PolicyService struct {
	store    TransactionScope
	resolver *PolicyResolver
	notifier entitlement.ChangeNotifier
	logger   *zap.Logger
	config   PolicyServiceConfig
	metrics  Metrics
	now      Clock
}

// NewPolicyService creates a new policy service
func NewPolicyService(
	store TransactionScope,
	resolver *PolicyResolver,
	notifier entitlement.ChangeNotifier,
	logger *zap.Logger,
	config PolicyServiceConfig,
	opts ...Option,
) *PolicyService {
	o := buildOptions(opts)
	return &PolicyService{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		config:   config,
		metrics:  o.metrics,
		now:      o.now,
	}
}

// SetPolicy inserts a new open record for the scope key, closing the prior one,
// appending history and audit in the same transaction. Retryable conflicts are
// retried with a fresh read; policy.changed is published after commit.
func (s *PolicyService) SetPolicy(ctx context.Context, in SetPolicyInput, auditCtx AuditContext) (*SetPolicyResult, error) {
	key, err := entitlement.NewScopeKey(in.Key.Scope, in.Key.ScopeID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if in.EffectiveFrom != nil && in.EffectiveFrom.Before(now) {
		return nil, entitlement.ErrBackdatedPolicy
	}

	s.logger.Info("Writing billing policy",
		zap.String("scope", key.Scope.String()),
		zap.String("scope_id", key.ScopeID.String()),
		zap.Timep("effective_from", in.EffectiveFrom))

	var (
		result   *SetPolicyResult
		attempts int
	)
	for {
		attempts++
		result, err = s.setPolicyOnce(ctx, key, in, now, auditCtx)
		if err == nil {
			break
		}

		var conflict *entitlement.ConcurrentPolicyEditConflict
		if !errors.As(err, &conflict) || !conflict.Retryable || attempts > s.config.MaxRetries {
			s.metrics.RecordPolicyWrite(ctx, key.Scope, attempts, err)
			s.logger.Warn("Billing policy write failed",
				zap.String("scope_key", key.String()),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return nil, err
		}

		s.logger.Warn("Concurrent billing policy edit; retrying with fresh read",
			zap.String("scope_key", key.String()),
			zap.Int("attempt", attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempts) * s.config.RetryBackoff):
		}
	}
	result.Attempts = attempts
	s.metrics.RecordPolicyWrite(ctx, key.Scope, attempts, nil)

	if s.resolver != nil {
		s.resolver.Invalidate(key)
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, entitlement.NewPolicyChangedMessage(result.Policy)); err != nil {
			// already committed; interval reconciliation still picks the change up
			s.logger.Error("Failed to publish policy change",
				zap.String("scope_key", key.String()),
				zap.String("policy_id", result.Policy.ID.String()),
				zap.Error(err))
		}
	}

	s.logger.Info("Billing policy written",
		zap.String("scope_key", key.String()),
		zap.String("policy_id", result.Policy.ID.String()),
		zap.Int("version", result.Version),
		zap.Int("attempts", attempts))

	return result, nil
}

func (s *PolicyService) setPolicyOnce(
	ctx context.Context,
	key entitlement.ScopeKey,
	in SetPolicyInput,
	now time.Time,
	auditCtx AuditContext,
) (*SetPolicyResult, error) {
	var result *SetPolicyResult

	err := s.store.Execute(ctx, func(repos Repositories) error {
		policies := repos.Policies()

		head, err := policies.LockHead(ctx, key)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != head.Version {
			return &entitlement.ConcurrentPolicyEditConflict{
				Key:             key,
				ExpectedVersion: *in.ExpectedVersion,
				ActualVersion:   head.Version,
			}
		}

		latest, err := policies.FindLatest(ctx, key)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		effectiveFrom := defaultEffectiveFrom(now, latest)
		if in.EffectiveFrom != nil {
			effectiveFrom = in.EffectiveFrom.UTC()
		}
		if latest != nil && !effectiveFrom.After(latest.EffectiveFrom) {
			return entitlement.ErrNonMonotonicPolicy
		}

		record, err := entitlement.NewPolicyRecord(key, in.Flags, effectiveFrom, in.Note, auditCtx.UserID)
		if err != nil {
			return err
		}
		record.Version = head.Version + 1

		result = &SetPolicyResult{Policy: record}

		var before *entitlement.PolicyRecord
		if latest != nil && latest.IsOpen() {
			before = latest.Clone()
			if err := latest.CloseAt(effectiveFrom); err != nil {
				return err
			}
			if err := policies.Close(ctx, latest); err != nil {
				return err
			}
			history, err := entitlement.NewPolicyHistoryRecord(latest, &record.ID)
			if err != nil {
				return err
			}
			if err := repos.History().Append(ctx, history); err != nil {
				return err
			}
			result.Superseded = latest
			result.History = history
		}

		if err := policies.Create(ctx, record); err != nil {
			return err
		}

		audit, err := entitlement.NewPolicyAuditLog(before, record, now, auditCtx.UserID, in.Note, auditCtx.IPAddress, auditCtx.UserAgent)
		if err != nil {
			return err
		}
		if err := repos.AuditLogs().Append(ctx, audit); err != nil {
			return err
		}
		result.Audit = audit

		result.Version = head.Advance(record.ID)
		return policies.SaveHead(ctx, head)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// defaultEffectiveFrom is now, or just after the latest record when that one is scheduled later
func defaultEffectiveFrom(now time.Time, latest *entitlement.PolicyRecord) time.Time {
	if latest != nil && !now.After(latest.EffectiveFrom) {
		return latest.EffectiveFrom.Add(time.Microsecond)
	}
	return now
}

// Current returns the open record of a scope key
func (s *PolicyService) Current(ctx context.Context, key entitlement.ScopeKey) (*entitlement.PolicyRecord, error) {
	return s.store.Repositories().Policies().FindOpen(ctx, key)
}

// Series returns the records of a scope key, newest first
func (s *PolicyService) Series(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyRecord, error) {
	return s.store.Repositories().Policies().ListByScope(ctx, key, filter)
}

// History returns superseded records of a scope key, newest first
func (s *PolicyService) History(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyHistoryRecord, error) {
	return s.store.Repositories().History().ListByScope(ctx, key, filter)
}

// AuditLogs returns audit entries of a scope key, newest first
func (s *PolicyService) AuditLogs(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyAuditLog, error) {
	return s.store.Repositories().AuditLogs().ListByScope(ctx, key, filter)
}

// AuditLogsBetween returns every audit entry created in [from, to)
func (s *PolicyService) AuditLogsBetween(ctx context.Context, from, to time.Time) ([]entitlement.PolicyAuditLog, error) {
	if !to.After(from) {
		return nil, shared.NewDomainError("INVALID_RANGE", "End of range must be after its start")
	}
	return s.store.Repositories().AuditLogs().ListBetween(ctx, from.UTC(), to.UTC())
}
