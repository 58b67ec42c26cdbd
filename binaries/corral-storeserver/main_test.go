package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/common/endpoints"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/httpstore"
)

func TestServesStoreAndAdmin(t *testing.T) {
	admin, err := makeServer(context.Background(), "local.memory", "")
	require.NoError(t, err)
	ts := httptest.NewServer(admin.Mux)
	defer ts.Close()

	ctx := context.Background()
	client := httpstore.MakeHTTPStore(ts.URL)
	v, err := client.PutIfMatch(ctx, "sessions/s1/manifest", []byte("m"), statestore.NoVersion)
	require.NoError(t, err)
	data, got, err := client.Get(ctx, "sessions/s1/manifest")
	require.NoError(t, err)
	assert.Equal(t, "m", string(data))
	assert.Equal(t, v, got)

	resp, err := http.Get(ts.URL + endpoints.HealthPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectsBadConfig(t *testing.T) {
	_, err := makeServer(context.Background(), "no.such.preset", "")
	assert.Equal(t, corralerrors.ConfigFailureExitCode, corralerrors.ExitCodeOf(err))
}
