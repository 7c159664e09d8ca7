package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BillingMetrics records admission, reconciliation and policy activity.
// Tenant IDs stay out of metric attributes; they are logged instead.
type BillingMetrics struct {
	logger *zap.Logger

	admissionsTotal    *Counter
	admissionDuration  *Histogram
	reconcilesTotal    *Counter
	reconcileDuration  *Histogram
	driftTotal         *Counter
	driftMagnitude     *Histogram
	policyGapsTotal    *Counter
	policyOverlapTotal *Counter
	policyWritesTotal  *Counter
	policyWriteTries   *Histogram
}

var _ appent.Metrics = (*BillingMetrics)(nil)

// NewBillingMetrics creates the engine instruments on meter.
func NewBillingMetrics(meter metric.Meter, logger *zap.Logger) (*BillingMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &BillingMetrics{logger: logger}
	var err error

	if m.admissionsTotal, err = NewCounter(meter,
		"billing_admissions_total", "Quota admission decisions", "{decisions}"); err != nil {
		return nil, err
	}
	if m.admissionDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_admission_duration_seconds",
		Description: "Time to reach a quota admission decision",
		Unit:        "s",
		Boundaries:  AdmissionDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.reconcilesTotal, err = NewCounter(meter,
		"billing_reconciliations_total", "Counter reconciliation runs", "{runs}"); err != nil {
		return nil, err
	}
	if m.reconcileDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_reconciliation_duration_seconds",
		Description: "Duration of one tenant reconciliation",
		Unit:        "s",
		Boundaries:  ReconcileDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.driftTotal, err = NewCounter(meter,
		"billing_counter_drift_total", "Counter drift detections", "{events}"); err != nil {
		return nil, err
	}
	if m.driftMagnitude, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_counter_drift_items",
		Description: "Absolute difference between stored and recomputed counts",
		Unit:        "{items}",
		Boundaries:  DriftBuckets,
	}); err != nil {
		return nil, err
	}
	if m.policyGapsTotal, err = NewCounter(meter,
		"billing_policy_gaps_total", "Resolutions that found no global policy", "{events}"); err != nil {
		return nil, err
	}
	if m.policyOverlapTotal, err = NewCounter(meter,
		"billing_policy_overlaps_total", "Resolutions that found overlapping windows", "{events}"); err != nil {
		return nil, err
	}
	if m.policyWritesTotal, err = NewCounter(meter,
		"billing_policy_writes_total", "Policy write outcomes", "{writes}"); err != nil {
		return nil, err
	}
	if m.policyWriteTries, err = NewHistogram(meter, HistogramOpts{
		Name:        "billing_policy_write_attempts",
		Description: "Attempts needed per policy write",
		Unit:        "{attempts}",
		Boundaries:  AttemptBuckets,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAdmission implements appent.Metrics.
func (m *BillingMetrics) RecordAdmission(ctx context.Context, decision *entitlement.QuotaDecision, duration time.Duration) {
	if decision == nil {
		return
	}
	attrs := []attribute.KeyValue{
		AttrAdmitted.Bool(decision.Admitted),
		AttrCeilingKind.String(string(decision.CeilingKind)),
		AttrReason.String(decision.Reason),
	}
	m.admissionsTotal.Inc(ctx, attrs...)
	m.admissionDuration.RecordDuration(ctx, duration, attrs[:2]...)
}

// RecordReconciliation implements appent.Metrics.
func (m *BillingMetrics) RecordReconciliation(ctx context.Context, result *appent.ReconcileResult, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{AttrOutcome.String(outcome(err))}
	if result != nil && result.PolicySource != "" {
		attrs = append(attrs, AttrPolicySrc.String(string(result.PolicySource)))
	}
	m.reconcilesTotal.Inc(ctx, attrs...)
	m.reconcileDuration.RecordDuration(ctx, duration, attrs[0])
}

// RecordDrift implements appent.Metrics. A negative drift means the stored count was too low.
func (m *BillingMetrics) RecordDrift(ctx context.Context, tenantID uuid.UUID, drift int64) {
	direction := "over"
	magnitude := drift
	if drift < 0 {
		direction = "under"
		magnitude = -drift
	}
	m.driftTotal.Inc(ctx, AttrDirection.String(direction))
	m.driftMagnitude.Record(ctx, float64(magnitude), AttrDirection.String(direction))
	m.logger.Debug("Counter drift recorded",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("drift", drift))
}

// RecordPolicyGap implements appent.Metrics.
func (m *BillingMetrics) RecordPolicyGap(ctx context.Context) {
	m.policyGapsTotal.Inc(ctx)
}

// RecordPolicyOverlap implements appent.Metrics.
func (m *BillingMetrics) RecordPolicyOverlap(ctx context.Context, scope entitlement.Scope) {
	m.policyOverlapTotal.Inc(ctx, AttrScope.String(string(scope)))
}

// RecordPolicyWrite implements appent.Metrics.
func (m *BillingMetrics) RecordPolicyWrite(ctx context.Context, scope entitlement.Scope, attempts int, err error) {
	attrs := []attribute.KeyValue{
		AttrScope.String(string(scope)),
		AttrOutcome.String(outcome(err)),
	}
	m.policyWritesTotal.Inc(ctx, attrs...)
	m.policyWriteTries.Record(ctx, float64(attempts), attrs...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
