package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================================
// Unit Tests (no external dependencies)
// ============================================================================

func TestNewS3ArchiveStore_Validation(t *testing.T) {
	t.Run("nil config returns error", func(t *testing.T) {
		_, err := NewS3ArchiveStore(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration is required")
	})

	t.Run("missing bucket returns error", func(t *testing.T) {
		_, err := NewS3ArchiveStore(&config.ArchiveConfig{
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket is required")
	})

	t.Run("half-configured static credentials return error", func(t *testing.T) {
		_, err := NewS3ArchiveStore(&config.ArchiveConfig{
			Bucket:      "audit",
			AccessKeyID: "test-key",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be set together")
	})

	t.Run("valid config creates store", func(t *testing.T) {
		store, err := NewS3ArchiveStore(&config.ArchiveConfig{
			Bucket:          "audit",
			Endpoint:        "localhost:9000",
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
			UsePathStyle:    true,
		}, WithLogger(zap.NewNop()))
		require.NoError(t, err)
		assert.Equal(t, "audit", store.GetBucket())
	})
}

func TestS3ArchiveStore_EmptyKey(t *testing.T) {
	store := newFakeS3Store(t, newFakeS3())
	ctx := context.Background()

	_, err := store.ObjectExists(ctx, "")
	assert.Error(t, err)
	assert.Error(t, store.Upload(ctx, "", []byte("x"), "text/plain"))
	_, err = store.Download(ctx, "")
	assert.Error(t, err)
}

// fakeS3 serves the handful of path-style S3 calls the store makes
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[path] = body
		f.types[path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[path])
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[path]
	return ok
}

func newFakeS3Store(t *testing.T, backend *fakeS3) *S3ArchiveStore {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	store, err := NewS3ArchiveStore(&config.ArchiveConfig{
		Bucket:          "audit",
		Endpoint:        server.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return store
}

func TestS3ArchiveStore_UploadExistsDownload(t *testing.T) {
	backend := newFakeS3()
	store := newFakeS3Store(t, backend)
	ctx := context.Background()
	key := "policy-audit/2026/03/05.jsonl"

	exists, err := store.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Upload(ctx, key, []byte("{\"id\":1}\n"), "application/x-ndjson"))
	assert.True(t, backend.has("/audit/"+key))

	exists, err = store.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Download(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, string(data), "{\"id\":1}")
}

func TestS3ArchiveStore_DownloadMissing(t *testing.T) {
	store := newFakeS3Store(t, newFakeS3())

	_, err := store.Download(context.Background(), "policy-audit/missing.jsonl")

	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// ============================================================================
// Integration Tests (require MinIO/RustFS running)
// ============================================================================

func TestIntegration_EnsureBucket(t *testing.T) {
	t.Skip("Skipping integration test. Run MinIO on localhost:9000 to enable.")

	store, err := NewS3ArchiveStore(&config.ArchiveConfig{
		Bucket:          "test-ensure-bucket",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	require.NoError(t, store.EnsureBucket(context.Background()))
	require.NoError(t, store.EnsureBucket(context.Background()))
}
