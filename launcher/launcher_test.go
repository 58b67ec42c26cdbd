package launcher

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/coord"
)

func TestRegistryBuildsOnce(t *testing.T) {
	r := NewRegistry()
	builds := 0
	r.Register("noop", func() (Launcher, error) {
		builds++
		return Noop{}, nil
	})
	r.Register("broken", func() (Launcher, error) {
		return nil, errors.New("no credentials")
	})

	l1, err := r.Get("noop")
	require.NoError(t, err)
	l2, err := r.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, l1, l2)
	assert.Equal(t, 1, builds)

	_, err = r.Get("broken")
	assert.Error(t, err)
	_, err = r.Get("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"broken", "noop"}, r.Names())
}

func TestWorkerEnv(t *testing.T) {
	spec := coord.WorkerSpec{Env: map[string]string{"CORRAL_STORE_TYPE": "file", EnvSessionID: "stale"}}
	env := WorkerEnv("s1", 3, spec)
	assert.Equal(t, "s1", env[EnvSessionID])
	assert.Equal(t, "3", env[EnvWorkerIndex])
	assert.Equal(t, "file", env["CORRAL_STORE_TYPE"])
	assert.Equal(t, "stale", spec.Env[EnvSessionID], "spec env is not modified")
	assert.Equal(t, []string{"CORRAL_SESSION_ID=s1", "CORRAL_STORE_TYPE=file", "CORRAL_WORKER_INDEX=3"}, EnvList(env))
}
