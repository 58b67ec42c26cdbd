package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) statestore.Store {
		s, err := MakeFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestTwoHandlesShareState(t *testing.T) {
	dir := t.TempDir()
	a, err := MakeFileStore(dir)
	require.NoError(t, err)
	b, err := MakeFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := a.PutIfMatch(ctx, "sessions/s1/manifest", []byte("m"), statestore.NoVersion)
	require.NoError(t, err)
	_, err = b.PutIfMatch(ctx, "sessions/s1/manifest", []byte("other"), statestore.NoVersion)
	assert.True(t, statestore.IsConflict(err))

	value, got, err := b.Get(ctx, "sessions/s1/manifest")
	require.NoError(t, err)
	assert.Equal(t, "m", string(value))
	assert.Equal(t, v, got)
}

func TestInvalidKeys(t *testing.T) {
	s, err := MakeFileStore(t.TempDir())
	require.NoError(t, err)
	for _, k := range []string{"", "/abs", "a/../b", "a//b", "trailing/", ".lock"} {
		_, err := s.PutIfMatch(context.Background(), k, []byte("x"), statestore.NoVersion)
		assert.Error(t, err, "key %q", k)
	}
}

func TestDeletePrunesDirectories(t *testing.T) {
	s, err := MakeFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.PutIfMatch(ctx, "sessions/s1/tasks/t1/status", []byte("x"), statestore.NoVersion)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "sessions/s1/tasks/t1/status"))
	keys, err := s.List(ctx, "sessions/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
