package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArchiveStore(t *testing.T) {
	store := NewMemoryArchiveStore()
	ctx := context.Background()

	exists, err := store.ObjectExists(ctx, "a/1.jsonl")
	require.NoError(t, err)
	assert.False(t, exists)

	data := []byte("line\n")
	require.NoError(t, store.Upload(ctx, "b/2.jsonl", data, "application/x-ndjson"))
	require.NoError(t, store.Upload(ctx, "a/1.jsonl", []byte("x"), "text/plain"))
	data[0] = 'X'

	got, err := store.Download(ctx, "b/2.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(got), "stored bytes are copied")
	assert.Equal(t, "application/x-ndjson", store.ContentType("b/2.jsonl"))
	assert.Equal(t, []string{"a/1.jsonl", "b/2.jsonl"}, store.Keys())

	_, err = store.Download(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.Error(t, store.Upload(ctx, "", nil, ""))
	_, err = store.ObjectExists(ctx, "")
	assert.Error(t, err)
}
