package local

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/coord"
)

func TestLaunchPassesSessionEnvAndStops(t *testing.T) {
	dir := t.TempDir()
	l := NewLauncher(dir)
	spec := coord.WorkerSpec{
		Command: []string{"sh", "-c", `echo "$CORRAL_SESSION_ID/$CORRAL_WORKER_INDEX/$EXTRA"; exec sleep 30`},
		Env:     map[string]string{"EXTRA": "x"},
	}
	handles, err := l.Launch(context.Background(), "s1", 2, spec)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	for i, h := range handles {
		assert.Equal(t, Type, h.Launcher)
		assert.Equal(t, i, h.Index)
	}

	for i, h := range handles {
		index := strconv.Itoa(i)
		out := waitForFile(t, filepath.Join(dir, "s1-"+index+".log"))
		assert.Equal(t, "s1/"+index+"/x", strings.TrimSpace(out))
		require.NoError(t, l.Stop(context.Background(), h))
	}

	// stopping again is fine
	assert.NoError(t, l.Stop(context.Background(), handles[0]))
}

func TestLaunchBadCommand(t *testing.T) {
	l := NewLauncher("")
	handles, err := l.Launch(context.Background(), "s1", 2, coord.WorkerSpec{Command: []string{"/nonexistent/corral-worker"}})
	assert.Error(t, err)
	assert.Empty(t, handles)
}

func TestStopInvalidHandle(t *testing.T) {
	l := NewLauncher("")
	assert.Error(t, l.Stop(context.Background(), coord.WorkerHandle{ID: "abc"}))
	assert.Error(t, l.Stop(context.Background(), coord.WorkerHandle{ID: "1"}))
}

func waitForFile(t *testing.T, path string) string {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			return string(b)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no output in %s", path)
	return ""
}
