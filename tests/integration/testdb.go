// Package integration runs the billing engine against a real PostgreSQL started with testcontainers.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/migration"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB is a migrated PostgreSQL container owned by one test
type TestDB struct {
	DB        *gorm.DB
	SqlDB     *sql.DB
	Container testcontainers.Container
	DSN       string
	t         *testing.T
}

// NewTestDB starts a fresh container and applies the embedded migrations
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("billing_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("billing"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	db, sqlDB := connectToDatabase(t, dsn)
	runMigrations(t, dsn)

	tdb := &TestDB{
		DB:        db,
		SqlDB:     sqlDB,
		Container: container,
		DSN:       dsn,
		t:         t,
	}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close closes the connection and terminates the container
func (tdb *TestDB) Close() {
	if tdb.SqlDB != nil {
		tdb.SqlDB.Close()
	}
	if tdb.Container != nil {
		if err := tdb.Container.Terminate(context.Background()); err != nil {
			tdb.t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}
}

// InventoryItem is a row of the inventory table behind billing_item_projection
type InventoryItem struct {
	TenantID     uuid.UUID
	Status       string
	Visibility   string
	Availability string
	Price        string
	Currency     string
	ImageURL     string
}

// ActiveItem returns a public, in-stock, priced item with an image
func ActiveItem(tenantID uuid.UUID) InventoryItem {
	return InventoryItem{
		TenantID:     tenantID,
		Status:       "ACTIVE",
		Visibility:   "public",
		Availability: "in_stock",
		Price:        "19.99",
		Currency:     "usd",
		ImageURL:     "https://cdn.example.com/item.png",
	}
}

// InsertItems writes items to inventory_items and returns their IDs
func (tdb *TestDB) InsertItems(items ...InventoryItem) []uuid.UUID {
	tdb.t.Helper()

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		id := uuid.New()
		var currency, image any
		if item.Currency != "" {
			currency = item.Currency
		}
		if item.ImageURL != "" {
			image = item.ImageURL
		}
		err := tdb.DB.Exec(`
			INSERT INTO inventory_items (id, tenant_id, item_status, visibility, availability, price, currency, image_url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, item.TenantID, item.Status, item.Visibility, item.Availability, item.Price, currency, image).Error
		require.NoError(tdb.t, err, "Failed to insert inventory item")
		ids = append(ids, id)
	}
	return ids
}

// CountRows returns the row count of a billing table
func (tdb *TestDB) CountRows(table string, where string, args ...any) int64 {
	tdb.t.Helper()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	require.NoError(tdb.t, tdb.DB.Raw(query, args...).Scan(&n).Error)
	return n
}

func connectToDatabase(t *testing.T, dsn string) (*gorm.DB, *sql.DB) {
	t.Helper()

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if os.Getenv("TEST_DB_DEBUG") != "" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(gormpostgres.Open(dsn), gormConfig)
	require.NoError(t, err, "Failed to connect to database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "Failed to get underlying SQL DB")

	// admission tests hold row locks from many goroutines at once
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, sqlDB
}

// runMigrations applies the embedded migrations over a dedicated handle; the
// migrator closes it when done
func runMigrations(t *testing.T, dsn string) {
	t.Helper()

	migDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "Failed to open migration connection")

	m, err := migration.New(migDB, migration.Source(""), zap.NewNop())
	require.NoError(t, err, "Failed to create migrator")
	defer m.Close()

	require.NoError(t, m.Up(), "Failed to run migrations")
}
