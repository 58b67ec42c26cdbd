package endpoints

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestAdminServer(t *testing.T) {
	stat := MakeStatsReceiver("corral-worker")
	stat.Counter("claims").Inc(3)
	s := NewAdminServer("", stat)
	ts := httptest.NewServer(s.Mux)
	defer ts.Close()

	code, body := get(t, ts.URL+HealthPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, ts.URL+MetricsPath+"?pretty=true")
	assert.Equal(t, http.StatusOK, code)
	m := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	assert.EqualValues(t, 3, m["corral-worker/claims"])

	code, _ = get(t, ts.URL+"/elsewhere")
	assert.Equal(t, http.StatusNotImplemented, code)
}
