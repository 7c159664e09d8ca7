package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type tracedRow struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:100"`
}

func setupTracingDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedRow{}))
	return db
}

func recordingSpan(t *testing.T) (context.Context, *tracetest.SpanRecorder, func()) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "db")
	return ctx, sr, func() { span.End() }
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, a := range span.Attributes() {
		out[a.Key] = a.Value
	}
	return out
}

func TestNewDBTracingPlugin_Defaults(t *testing.T) {
	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop())

	assert.Equal(t, 200*time.Millisecond, p.config.SlowQueryThresh)
	assert.Equal(t, "postgresql", p.config.DBSystem)
	assert.False(t, p.config.LogFullSQL)
}

func TestDBTracingPlugin_RegisterOtelGorm(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		db := setupTracingDB(t)
		require.NoError(t, NewDBTracingPlugin(DBTracingConfig{}, zap.NewNop()).RegisterOtelGorm(db))
		assert.Nil(t, db.Callback().Query().Get("otel_slow_query:query"))
	})

	t.Run("enabled registers callbacks", func(t *testing.T) {
		db := setupTracingDB(t)
		require.NoError(t, NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop()).RegisterOtelGorm(db))
		assert.NotNil(t, db.Callback().Query().Get("otel_slow_query:query"))
		assert.NotNil(t, db.Callback().Raw().Get("otel_timing:before_raw"))

		require.NoError(t, db.Create(&tracedRow{Name: "a"}).Error)
		var rows []tracedRow
		require.NoError(t, db.Find(&rows).Error)
		assert.Len(t, rows, 1)
	})
}

func TestDBTracingPlugin_AfterQuery(t *testing.T) {
	db := setupTracingDB(t)
	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true, SlowQueryThresh: time.Millisecond}, zap.NewNop())

	ctx, sr, end := recordingSpan(t)
	ctx = context.WithValue(ctx, queryStartKey{}, time.Now().Add(-time.Second))
	tx := db.WithContext(ctx)
	tx.Statement.Table = "tenant_sku_counters"
	tx.Statement.RowsAffected = 3
	tx.Error = errors.New("constraint violated")

	p.afterQuery(tx)
	end()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "tenant_sku_counters", attrs["db.sql.table"].AsString())
	assert.Equal(t, int64(3), attrs["db.rows_affected"].AsInt64())
	assert.True(t, attrs["db.slow_query"].AsBool())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var names []string
	for _, e := range spans[0].Events() {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "slow_query_warning")
}

func TestDBTracingPlugin_AfterQuery_NotFoundIsNotAnError(t *testing.T) {
	db := setupTracingDB(t)
	p := NewDBTracingPlugin(DBTracingConfig{Enabled: true}, zap.NewNop())

	ctx, sr, end := recordingSpan(t)
	tx := db.WithContext(ctx)
	tx.Error = gorm.ErrRecordNotFound

	p.afterQuery(tx)
	end()

	assert.NotEqual(t, codes.Error, sr.Ended()[0].Status().Code)
}
