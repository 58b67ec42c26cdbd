package inprocess

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/statestore/memory"
	"github.com/twitter/corral/worker"
)

func TestLaunchRunsAgentsUntilStopped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proto := coord.NewProtocol(memory.NewStore(), nil, clock)
	ctx := context.Background()
	require.NoError(t, proto.CreateManifest(ctx, &coord.Manifest{
		SessionID: "s1",
		ExpiresAt: clock.Now().Add(time.Hour),
	}))
	require.NoError(t, proto.CreateTask(ctx, &coord.TaskRecord{TaskID: "t1", SessionID: "s1", State: coord.Pending}, []byte("x")))

	cfg := worker.DefaultConfig()
	cfg.HeartbeatInterval = 0
	exec := executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	l := NewLauncher(proto, exec, cfg, nil)
	handles, err := l.Launch(ctx, "s1", 2, coord.WorkerSpec{})
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.NotEqual(t, handles[0].ID, handles[1].ID)

	// both agents go idle once the only task is done
	clock.BlockUntil(2)
	rec, err := proto.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, rec.State)

	_, stopped := l.ExitReason(handles[0])
	assert.False(t, stopped)
	for _, h := range handles {
		require.NoError(t, l.Stop(ctx, h))
		reason, ok := l.ExitReason(h)
		assert.True(t, ok)
		assert.Equal(t, worker.ExitCancelled, reason)
	}
	l.Wait()

	a, ok := l.Agent(handles[0])
	require.True(t, ok)
	assert.Equal(t, worker.Exiting, a.State())
	assert.NoError(t, l.Stop(ctx, coord.WorkerHandle{ID: "unknown"}))
}
