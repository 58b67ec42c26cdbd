// Package storetest holds the behavioral checks every statestore.Store
// backend must pass. Backend packages call RunConformance from their tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/statestore"
)

// RunConformance runs the shared suite. makeStore must return an empty store
// each time it is called.
func RunConformance(t *testing.T, makeStore func(t *testing.T) statestore.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s statestore.Store)
	}{
		{"GetMissing", testGetMissing},
		{"CreateOnly", testCreateOnly},
		{"UpdateMatching", testUpdateMatching},
		{"UpdateStale", testUpdateStale},
		{"UpdateMissing", testUpdateMissing},
		{"ListPrefix", testListPrefix},
		{"Delete", testDelete},
		{"RecreateAfterDelete", testRecreateAfterDelete},
		{"RacingCreates", testRacingCreates},
		{"RacingUpdates", testRacingUpdates},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, makeStore(t))
		})
	}
}

func testGetMissing(t *testing.T, s statestore.Store) {
	_, _, err := s.Get(context.Background(), "a/missing")
	assert.True(t, statestore.IsNotFound(err), "expected not found, got %v", err)
}

func testCreateOnly(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v, err := s.PutIfMatch(ctx, "a/key", []byte("one"), statestore.NoVersion)
	require.NoError(t, err)
	assert.NotEqual(t, statestore.NoVersion, v)

	_, err = s.PutIfMatch(ctx, "a/key", []byte("two"), statestore.NoVersion)
	assert.True(t, statestore.IsConflict(err), "second create must conflict, got %v", err)

	value, got, err := s.Get(ctx, "a/key")
	require.NoError(t, err)
	assert.Equal(t, "one", string(value))
	assert.Equal(t, v, got)
}

func testUpdateMatching(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v1, err := s.PutIfMatch(ctx, "a/key", []byte("one"), statestore.NoVersion)
	require.NoError(t, err)
	v2, err := s.PutIfMatch(ctx, "a/key", []byte("two"), v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	value, got, err := s.Get(ctx, "a/key")
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
	assert.Equal(t, v2, got)
}

func testUpdateStale(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v1, err := s.PutIfMatch(ctx, "a/key", []byte("one"), statestore.NoVersion)
	require.NoError(t, err)
	_, err = s.PutIfMatch(ctx, "a/key", []byte("two"), v1)
	require.NoError(t, err)

	_, err = s.PutIfMatch(ctx, "a/key", []byte("three"), v1)
	assert.True(t, statestore.IsConflict(err), "stale version must conflict, got %v", err)
	value, _, err := s.Get(ctx, "a/key")
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
}

func testUpdateMissing(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v, err := s.PutIfMatch(ctx, "a/other", []byte("x"), statestore.NoVersion)
	require.NoError(t, err)
	_, err = s.PutIfMatch(ctx, "a/missing", []byte("x"), v)
	assert.True(t, statestore.IsConflict(err), "versioned put on a missing key must conflict, got %v", err)
}

func testListPrefix(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	for _, k := range []string{"s/2/x", "s/1/b", "s/1/a", "t/1/a"} {
		_, err := s.PutIfMatch(ctx, k, []byte(k), statestore.NoVersion)
		require.NoError(t, err)
	}
	keys, err := s.List(ctx, "s/1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/1/a", "s/1/b"}, keys)

	keys, err = s.List(ctx, "s/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/1/a", "s/1/b", "s/2/x"}, keys)

	keys, err = s.List(ctx, "none/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testDelete(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	_, err := s.PutIfMatch(ctx, "a/key", []byte("one"), statestore.NoVersion)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "a/key"))
	_, _, err = s.Get(ctx, "a/key")
	assert.True(t, statestore.IsNotFound(err))
	assert.NoError(t, s.Delete(ctx, "a/key"), "deleting a missing key is not an error")
}

func testRecreateAfterDelete(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v1, err := s.PutIfMatch(ctx, "a/key", []byte("one"), statestore.NoVersion)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "a/key"))
	_, err = s.PutIfMatch(ctx, "a/key", []byte("two"), statestore.NoVersion)
	require.NoError(t, err)
	// A version from the first incarnation must not match the second, unless
	// the backend derives versions from content and the content is identical.
	_, err = s.PutIfMatch(ctx, "a/key", []byte("three"), v1)
	assert.True(t, statestore.IsConflict(err), "old version matched recreated key")
}

func testRacingCreates(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	const racers = 8
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.PutIfMatch(ctx, "race/key", []byte(fmt.Sprintf("writer-%d", i)), statestore.NoVersion)
		}(i)
	}
	wg.Wait()
	assertExactlyOneWinner(t, results)
}

func testRacingUpdates(t *testing.T, s statestore.Store) {
	ctx := context.Background()
	v, err := s.PutIfMatch(ctx, "race/key", []byte("base"), statestore.NoVersion)
	require.NoError(t, err)

	const racers = 8
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.PutIfMatch(ctx, "race/key", []byte(fmt.Sprintf("writer-%d", i)), v)
		}(i)
	}
	wg.Wait()
	assertExactlyOneWinner(t, results)
}

func assertExactlyOneWinner(t *testing.T, results []error) {
	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case statestore.IsConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, len(results)-1, conflicts)
}
