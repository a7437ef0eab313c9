package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutIsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	key, existed, err := s.Put(ctx, "abc123", "text/html", []byte("first"))
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "memory://abc123", key)

	// A second put with the same hash must not overwrite.
	key2, existed, err := s.Put(ctx, "abc123", "text/html", []byte("second"))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, key, key2)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestPutRequiresHash(t *testing.T) {
	s := New()
	_, _, err := s.Put(context.Background(), "", "text/html", []byte("x"))
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, exists, err := s.Stat(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = s.Put(ctx, "h1", "application/json", []byte(`{"a":1}`))
	require.NoError(t, err)

	blob, exists, err := s.Stat(ctx, "h1")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "h1", blob.Hash)
	assert.Equal(t, "application/json", blob.ContentType)
	assert.Equal(t, int64(7), blob.Size)
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "memory://nope")
	assert.Error(t, err)
}
