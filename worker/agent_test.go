package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	proto *coord.Protocol
	store *memory.Store
	clock clockwork.FakeClock
}

func newFixture(t *testing.T, bootstraps int, tasks ...string) *fixture {
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(start)
	proto := coord.NewProtocol(store, nil, clock)
	ctx := context.Background()
	require.NoError(t, proto.CreateManifest(ctx, &coord.Manifest{
		SessionID: "s1",
		CreatedAt: start,
		ExpiresAt: start.Add(24 * time.Hour),
	}))
	for i := 0; i < bootstraps; i++ {
		payload, err := proto.Serializer().Encode(coord.BootstrapPayload{SessionID: "s1", WorkerIndex: i})
		require.NoError(t, err)
		require.NoError(t, proto.CreateTask(ctx, &coord.TaskRecord{
			TaskID: coord.BootstrapTaskID(i), SessionID: "s1", State: coord.Pending, Bootstrap: true,
		}, payload))
	}
	for _, id := range tasks {
		require.NoError(t, proto.CreateTask(ctx, &coord.TaskRecord{TaskID: id, SessionID: "s1", State: coord.Pending}, []byte(id)))
	}
	return &fixture{proto: proto, store: store, clock: clock}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "s1"
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second
	cfg.IdleTimeout = time.Minute
	cfg.HeartbeatInterval = 0
	return cfg
}

type runResult struct {
	reason ExitReason
	err    error
}

func runAgent(a *Agent) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		reason, err := a.Run(context.Background())
		ch <- runResult{reason, err}
	}()
	return ch
}

func waitExit(t *testing.T, ch <-chan runResult) runResult {
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}
	return runResult{}
}

func TestAgentRunsTasksAndExitsWhenIdle(t *testing.T) {
	f := newFixture(t, 1, "t1", "t2", "t3")
	exec := executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		if string(payload) == "t2" {
			return nil, errors.New("bad input")
		}
		return append([]byte("done-"), payload...), nil
	})
	stat := stats.DefaultStatsReceiver()
	cfg := testConfig()
	cfg.WorkerID = "w1"
	a, err := NewAgent(f.proto, exec, cfg, stat)
	require.NoError(t, err)

	done := runAgent(a)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	r := waitExit(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, ExitIdleTimeout, r.reason)
	assert.Equal(t, Exiting, a.State())
	assert.True(t, a.Registered())
	assert.Equal(t, 3, a.Executed())

	ctx := context.Background()
	for _, id := range []string{"t1", "t3"} {
		rec, err := f.proto.ReadTask(ctx, "s1", id)
		require.NoError(t, err)
		assert.Equal(t, coord.Completed, rec.State)
		assert.Equal(t, "w1", rec.Owner)
		result, err := f.proto.ReadResult(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, "done-"+id, string(result))
	}
	rec, err := f.proto.ReadTask(ctx, "s1", "t2")
	require.NoError(t, err)
	assert.Equal(t, coord.Failed, rec.State)
	assert.Equal(t, coord.KindTaskExecutionFault, rec.Error.Kind)
	assert.Equal(t, "bad input", rec.Error.Message)

	boot, err := f.proto.ReadTask(ctx, "s1", coord.BootstrapTaskID(0))
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, boot.State)

	scoped := stat.Scope("worker")
	assert.Equal(t, int64(3), scoped.Counter(stats.AgentClaimCounter).Count())
	assert.Equal(t, int64(2), scoped.Counter(stats.AgentTaskCompletedCounter).Count())
	assert.Equal(t, int64(1), scoped.Counter(stats.AgentTaskFailedCounter).Count())
}

func TestAgentExitsOnTerminatedSession(t *testing.T) {
	f := newFixture(t, 0, "t1")
	_, err := f.proto.UpdateManifest(context.Background(), "s1", func(m *coord.Manifest) error {
		m.Terminated = true
		return nil
	})
	require.NoError(t, err)

	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	exec := executor.NewMockExecutor(mockCtrl)

	a, err := NewAgent(f.proto, exec, testConfig(), nil)
	require.NoError(t, err)
	r := waitExit(t, runAgent(a))
	assert.Equal(t, ExitTerminated, r.reason)

	rec, err := f.proto.ReadTask(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Pending, rec.State)
}

func TestAgentExitsOnExpiredSession(t *testing.T) {
	f := newFixture(t, 0, "t1")
	f.clock.Advance(25 * time.Hour)
	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	r := waitExit(t, runAgent(a))
	assert.Equal(t, ExitSessionExpired, r.reason)
}

func TestAgentExitsWhenSessionDeleted(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.proto.DeleteSession(context.Background(), "s1"))
	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	r := waitExit(t, runAgent(a))
	assert.Equal(t, ExitTerminated, r.reason)
}

func TestAgentNoticesTerminationWhileIdle(t *testing.T) {
	f := newFixture(t, 0)
	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	done := runAgent(a)

	f.clock.BlockUntil(1)
	_, err = f.proto.UpdateManifest(context.Background(), "s1", func(m *coord.Manifest) error {
		m.Terminated = true
		return nil
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	r := waitExit(t, done)
	assert.Equal(t, ExitTerminated, r.reason)
}

func TestAgentCancelled(t *testing.T) {
	f := newFixture(t, 0)
	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan ExitReason, 1)
	go func() {
		reason, _ := a.Run(ctx)
		ch <- reason
	}()
	f.clock.BlockUntil(1)
	cancel()
	select {
	case reason := <-ch:
		assert.Equal(t, ExitCancelled, reason)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}
}

func TestAgentRecoversExecutorPanic(t *testing.T) {
	f := newFixture(t, 0, "t1", "t2")
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	exec := executor.NewMockExecutor(mockCtrl)
	exec.EXPECT().Execute(gomock.Any(), []byte("t1")).Do(func(ctx context.Context, payload []byte) {
		panic("nil map")
	})
	exec.EXPECT().Execute(gomock.Any(), []byte("t2")).Return([]byte("ok"), nil)

	a, err := NewAgent(f.proto, exec, testConfig(), nil)
	require.NoError(t, err)
	done := runAgent(a)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	r := waitExit(t, done)
	assert.Equal(t, ExitIdleTimeout, r.reason)

	rec, err := f.proto.ReadTask(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Failed, rec.State)
	assert.True(t, strings.Contains(rec.Error.Message, "panicked"), rec.Error.Message)
	rec, err = f.proto.ReadTask(context.Background(), "s1", "t2")
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, rec.State)
}

func TestAgentTaskDeadline(t *testing.T) {
	f := newFixture(t, 0, "t1")
	exec := executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.TaskDeadline = 10 * time.Millisecond
	a, err := NewAgent(f.proto, exec, cfg, nil)
	require.NoError(t, err)
	done := runAgent(a)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	waitExit(t, done)

	rec, err := f.proto.ReadTask(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Failed, rec.State)
	assert.Contains(t, rec.Error.Message, "deadline exceeded")
}

func TestAgentStoreFaultIsAnEmptyPoll(t *testing.T) {
	f := newFixture(t, 0, "t1")
	f.store.InjectFault(func(op, key string) error {
		if op == "list" {
			return errors.New("connection reset")
		}
		return nil
	})
	a, err := NewAgent(f.proto, executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}), testConfig(), nil)
	require.NoError(t, err)
	done := runAgent(a)

	f.clock.BlockUntil(1)
	f.store.InjectFault(nil)
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	r := waitExit(t, done)
	assert.Equal(t, ExitIdleTimeout, r.reason)

	rec, err := f.proto.ReadTask(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, rec.State)
}

func TestAgentRetriesResultWriteAfterStoreFault(t *testing.T) {
	f := newFixture(t, 0, "t1")
	faults := 1
	f.store.InjectFault(func(op, key string) error {
		if op == "put" && strings.HasSuffix(key, "/result") && faults > 0 {
			faults--
			return errors.New("connection reset")
		}
		return nil
	})
	stat := stats.DefaultStatsReceiver()
	a, err := NewAgent(f.proto, executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return append([]byte("out-"), payload...), nil
	}), testConfig(), stat)
	require.NoError(t, err)
	done := runAgent(a)

	// the retry of the result write
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	// the next empty poll
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	r := waitExit(t, done)
	assert.Equal(t, ExitIdleTimeout, r.reason)

	ctx := context.Background()
	rec, err := f.proto.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, rec.State)
	result, err := f.proto.ReadResult(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "out-t1", string(result))
	assert.Equal(t, int64(1), stat.Scope("worker").Counter(stats.AgentStateWriteRetryCounter).Count())
}

// landedThenFaultStore applies the first write of a completed status record
// and then reports a transient fault, as a connection dropped after the
// write reached the store would.
type landedThenFaultStore struct {
	*memory.Store
	mu      sync.Mutex
	tripped bool
}

func (s *landedThenFaultStore) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	newV, err := s.Store.PutIfMatch(ctx, key, value, v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && !s.tripped && strings.HasSuffix(key, "/status") && strings.Contains(string(value), `"completed"`) {
		s.tripped = true
		return statestore.NoVersion, statestore.Unavailable("put", key, errors.New("connection reset"))
	}
	return newV, err
}

func TestAgentAcceptsStatusWriteThatLandedBeforeFault(t *testing.T) {
	f := newFixture(t, 0, "t1")
	store := &landedThenFaultStore{Store: f.store}
	proto := coord.NewProtocol(store, nil, f.clock)
	a, err := NewAgent(proto, executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}), testConfig(), nil)
	require.NoError(t, err)
	done := runAgent(a)

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	waitExit(t, done)

	assert.True(t, store.tripped)
	rec, err := proto.ReadTask(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, coord.Completed, rec.State)
	assert.Equal(t, a.ID(), rec.Owner)
	assert.Equal(t, 1, a.Executed())
}

func TestAgentsNeverRunATaskTwice(t *testing.T) {
	const workers, tasks = 4, 40
	ids := []string{}
	for i := 0; i < tasks; i++ {
		ids = append(ids, fmt.Sprintf("t%03d", i))
	}
	f := newFixture(t, workers, ids...)

	var mu sync.Mutex
	runs := map[string]int{}
	exec := executor.Func(func(ctx context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		runs[string(payload)]++
		mu.Unlock()
		return payload, nil
	})

	dones := []<-chan runResult{}
	agents := []*Agent{}
	for i := 0; i < workers; i++ {
		cfg := testConfig()
		cfg.WorkerID = fmt.Sprintf("w%d", i)
		a, err := NewAgent(f.proto, exec, cfg, nil)
		require.NoError(t, err)
		agents = append(agents, a)
		dones = append(dones, runAgent(a))
	}

	// Every agent asleep means nothing is pending or executing.
	f.clock.BlockUntil(workers)
	_, err := f.proto.UpdateManifest(context.Background(), "s1", func(m *coord.Manifest) error {
		m.Terminated = true
		return nil
	})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	for _, d := range dones {
		assert.Equal(t, ExitTerminated, waitExit(t, d).reason)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, tasks)
	for id, n := range runs {
		assert.Equal(t, 1, n, "task %s", id)
	}
	total, registered := 0, 0
	for _, a := range agents {
		total += a.Executed()
		if a.Registered() {
			registered++
		}
	}
	assert.Equal(t, tasks, total)
	assert.Equal(t, workers, registered)
}

// statusReadCounter counts reads of task status records.
type statusReadCounter struct {
	*memory.Store
	reads int64
}

func (s *statusReadCounter) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	if strings.HasSuffix(key, "/status") {
		atomic.AddInt64(&s.reads, 1)
	}
	return s.Store.Get(ctx, key)
}

func (s *statusReadCounter) take() int64 {
	return atomic.SwapInt64(&s.reads, 0)
}

func TestIdlePollReadsAreBounded(t *testing.T) {
	const tasks = 500
	ids := []string{}
	for i := 0; i < tasks; i++ {
		ids = append(ids, fmt.Sprintf("t%03d", i))
	}
	f := newFixture(t, 0, ids...)
	ctx := context.Background()
	for _, id := range ids {
		_, err := f.proto.Claim(ctx, "s1", id, "w-other")
		require.NoError(t, err)
	}

	store := &statusReadCounter{Store: f.store}
	proto := coord.NewProtocol(store, nil, f.clock)
	cfg := testConfig()
	cfg.ScanLimit = 32
	cfg.SettledCacheSize = 100
	a, err := NewAgent(proto, executor.NewCommandExecutor(), cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, a.step(ctx))
		reads := store.take()
		assert.True(t, reads <= int64(cfg.ScanLimit*ScanReadFactor), "poll %d read %d records", i, reads)
		assert.True(t, reads > 0, "poll %d read nothing", i)
	}

	// a task added later is still found by the rotating scan
	require.NoError(t, f.proto.CreateTask(ctx, &coord.TaskRecord{TaskID: "late", SessionID: "s1", State: coord.Pending}, []byte("late")))
	claimed := false
	for i := 0; i < 200 && !claimed; i++ {
		claimed = a.step(ctx)
	}
	assert.True(t, claimed)
}

func TestBootstrapForAnotherSessionFails(t *testing.T) {
	f := newFixture(t, 0)
	payload, err := f.proto.Serializer().Encode(coord.BootstrapPayload{SessionID: "other"})
	require.NoError(t, err)
	require.NoError(t, f.proto.CreateTask(context.Background(), &coord.TaskRecord{
		TaskID: coord.BootstrapTaskID(0), SessionID: "s1", State: coord.Pending, Bootstrap: true,
	}, payload))

	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	done := runAgent(a)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Minute)
	waitExit(t, done)

	assert.False(t, a.Registered())
	rec, err := f.proto.ReadTask(context.Background(), "s1", coord.BootstrapTaskID(0))
	require.NoError(t, err)
	assert.Equal(t, coord.Failed, rec.State)
}

func TestBackoffDoublesAndResets(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	got := []time.Duration{}
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestNewAgentValidation(t *testing.T) {
	f := newFixture(t, 0)
	cfg := testConfig()
	cfg.SessionID = ""
	_, err := NewAgent(f.proto, executor.NewCommandExecutor(), cfg, nil)
	assert.Error(t, err)

	a, err := NewAgent(f.proto, executor.NewCommandExecutor(), testConfig(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.ID(), "worker-"))
	assert.Equal(t, Idle, a.State())
}
