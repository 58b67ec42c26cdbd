package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/storetest"
)

func openTemp(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) statestore.Store { return openTemp(t) })
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	v, err := s.PutIfMatch(context.Background(), "sessions/a/manifest", []byte("m"), statestore.NoVersion)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	value, got, err := s.Get(context.Background(), "sessions/a/manifest")
	require.NoError(t, err)
	assert.Equal(t, "m", string(value))
	assert.Equal(t, v, got)
}
