package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestBillingMetrics(t *testing.T) (*BillingMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewBillingMetrics(provider.Meter("billing-test"), zap.NewNop())
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok)
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestNewBillingMetrics_NilMeter(t *testing.T) {
	_, err := NewBillingMetrics(nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrMeterNil)
}

func TestBillingMetrics_RecordAdmission(t *testing.T) {
	m, reader := newTestBillingMetrics(t)
	ctx := context.Background()

	m.RecordAdmission(ctx, &entitlement.QuotaDecision{
		Admitted: true, CeilingKind: entitlement.CeilingTenant, Reason: entitlement.ReasonWithinQuota,
	}, 3*time.Millisecond)
	m.RecordAdmission(ctx, &entitlement.QuotaDecision{
		Admitted: false, CeilingKind: entitlement.CeilingPool, Reason: entitlement.ReasonQuotaExceeded,
	}, 5*time.Millisecond)
	m.RecordAdmission(ctx, nil, time.Millisecond)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, data["billing_admissions_total"]))
	assert.Equal(t, int64(1), sumFor(t, data["billing_admissions_total"],
		AttrAdmitted.Bool(false),
		AttrCeilingKind.String("pool"),
		AttrReason.String(entitlement.ReasonQuotaExceeded)))

	hist, ok := data["billing_admission_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestBillingMetrics_RecordReconciliation(t *testing.T) {
	m, reader := newTestBillingMetrics(t)
	ctx := context.Background()

	m.RecordReconciliation(ctx, &appent.ReconcileResult{PolicySource: entitlement.ScopeTenant}, time.Second, nil)
	m.RecordReconciliation(ctx, nil, time.Second, errors.New("scan failed"))

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, data["billing_reconciliations_total"],
		AttrOutcome.String("success"), AttrPolicySrc.String(string(entitlement.ScopeTenant))))
	assert.Equal(t, int64(1), sumFor(t, data["billing_reconciliations_total"], AttrOutcome.String("error")))
}

func TestBillingMetrics_RecordDrift(t *testing.T) {
	m, reader := newTestBillingMetrics(t)
	ctx := context.Background()

	m.RecordDrift(ctx, uuid.New(), 4)
	m.RecordDrift(ctx, uuid.New(), -1)
	m.RecordDrift(ctx, uuid.New(), -7)

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, data["billing_counter_drift_total"], AttrDirection.String("over")))
	assert.Equal(t, int64(2), sumFor(t, data["billing_counter_drift_total"], AttrDirection.String("under")))

	hist := data["billing_counter_drift_items"].(metricdata.Histogram[float64])
	var total float64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
	}
	assert.Equal(t, 12.0, total)
}

func TestBillingMetrics_PolicyEvents(t *testing.T) {
	m, reader := newTestBillingMetrics(t)
	ctx := context.Background()

	m.RecordPolicyGap(ctx)
	m.RecordPolicyOverlap(ctx, entitlement.ScopeOrganization)
	m.RecordPolicyWrite(ctx, entitlement.ScopeGlobal, 1, nil)
	m.RecordPolicyWrite(ctx, entitlement.ScopeGlobal, 3, &entitlement.ConcurrentPolicyEditConflict{})

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumFor(t, data["billing_policy_gaps_total"]))
	assert.Equal(t, int64(1), sumFor(t, data["billing_policy_overlaps_total"], AttrScope.String(string(entitlement.ScopeOrganization))))
	assert.Equal(t, int64(1), sumFor(t, data["billing_policy_writes_total"],
		AttrScope.String(string(entitlement.ScopeGlobal)), AttrOutcome.String("error")))

	tries := data["billing_policy_write_attempts"].(metricdata.Histogram[float64])
	var sum float64
	for _, dp := range tries.DataPoints {
		sum += dp.Sum
	}
	assert.Equal(t, 4.0, sum)
}
