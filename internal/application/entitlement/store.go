package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
)

// Repositories groups the engine's repositories bound to one database handle,
// either the root connection or an open transaction.
type Repositories interface {
	Policies() entitlement.PolicyRepository
	History() entitlement.PolicyHistoryRepository
	AuditLogs() entitlement.AuditLogRepository
	Counters() entitlement.CounterRepository
	Pools() entitlement.PoolRepository
	DriftEvents() entitlement.DriftEventRepository
	Items() entitlement.ItemSource
}

// TransactionScope runs work against the engine's store.
type TransactionScope interface {
	// Execute runs fn inside a transaction; returning an error rolls it back
	Execute(ctx context.Context, fn func(repos Repositories) error) error

	// Repositories returns repositories bound to the root connection, for reads
	Repositories() Repositories
}

// AuditContext carries who performed a mutation
type AuditContext struct {
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
}

// Clock returns the current time; services accept one so tests can move time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// Metrics receives engine measurements
type Metrics interface {
	RecordAdmission(ctx context.Context, decision *entitlement.QuotaDecision, duration time.Duration)
	RecordReconciliation(ctx context.Context, result *ReconcileResult, duration time.Duration, err error)
	RecordDrift(ctx context.Context, tenantID uuid.UUID, drift int64)
	RecordPolicyGap(ctx context.Context)
	RecordPolicyOverlap(ctx context.Context, scope entitlement.Scope)
	RecordPolicyWrite(ctx context.Context, scope entitlement.Scope, attempts int, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordAdmission(context.Context, *entitlement.QuotaDecision, time.Duration) {}

func (noopMetrics) RecordReconciliation(context.Context, *ReconcileResult, time.Duration, error) {}

func (noopMetrics) RecordDrift(context.Context, uuid.UUID, int64) {}

func (noopMetrics) RecordPolicyGap(context.Context) {}

func (noopMetrics) RecordPolicyOverlap(context.Context, entitlement.Scope) {}

func (noopMetrics) RecordPolicyWrite(context.Context, entitlement.Scope, int, error) {}

// NoopMetrics returns a Metrics that discards everything
func NoopMetrics() Metrics {
	return noopMetrics{}
}
