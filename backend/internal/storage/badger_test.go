package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "trustfeed/backend/pkg/errors"
)

func TestBadgerStore_InMemory(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "socialGraph", []byte(`{"version":1}`)))
	got, err := s.Get(ctx, "socialGraph")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), got)

	require.NoError(t, s.Set(ctx, "socialGraph", []byte("v2")))
	got, err = s.Get(ctx, "socialGraph")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "socialGraph"))
	_, err = s.Get(ctx, "socialGraph")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "socialGraph"))
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "seenEvents", []byte(`["a"]`)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), "seenEvents")
	require.NoError(t, err)
	assert.Equal(t, []byte(`["a"]`), got)
}

func TestBadgerStore_CancelledContext(t *testing.T) {
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Set(ctx, "k", []byte("v"))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeContext))
	_, err = s.Get(ctx, "k")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeContext))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
