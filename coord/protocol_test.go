package coord

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/memory"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestProtocol() (*Protocol, *memory.Store, clockwork.FakeClock) {
	store := memory.NewStore()
	clock := clockwork.NewFakeClockAt(start)
	return NewProtocol(store, nil, clock), store, clock
}

func createSession(t *testing.T, p *Protocol, id string) {
	require.NoError(t, p.CreateManifest(context.Background(), &Manifest{
		SessionID: id,
		CreatedAt: start,
		ExpiresAt: start.Add(time.Hour),
	}))
}

func submit(t *testing.T, p *Protocol, sessionID, taskID string) {
	require.NoError(t, p.CreateTask(context.Background(),
		&TaskRecord{TaskID: taskID, SessionID: sessionID, State: Pending}, []byte("payload-"+taskID)))
}

func TestClaimLifecycle(t *testing.T) {
	p, _, clock := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	lease, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, lease.Record().State)
	assert.Equal(t, "w1", lease.Record().Owner)

	require.NoError(t, p.StartRun(ctx, lease))
	clock.Advance(time.Minute)
	require.NoError(t, p.Heartbeat(ctx, lease))
	assert.Equal(t, start.Add(time.Minute), *lease.Record().HeartbeatAt)

	require.NoError(t, p.Complete(ctx, lease, []byte("42")))
	rec, err := p.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, Completed, rec.State)
	assert.NotNil(t, rec.FinishedAt)

	result, err := p.ReadResult(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "42", string(result))

	payload, err := p.ReadPayload(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "payload-t1", string(payload))
}

func TestClaimNotPending(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	_, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)
	_, err = p.Claim(ctx, "s1", "t1", "w2")
	assert.True(t, errors.Is(err, ErrNotPending), "got %v", err)

	_, err = p.Claim(ctx, "s1", "missing", "w2")
	assert.True(t, errors.Is(err, ErrTaskNotFound), "got %v", err)
}

// raceClaim has n workers claim the same pending task at once and returns the
// number of winners and conflicts. Losers either lost the write (conflict) or
// read the record after the winner wrote it (not pending).
func raceClaim(p *Protocol, sessionID, taskID string, n int) (wins, losses int, unexpected error) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, n)
	begin := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-begin
			_, errs[i] = p.Claim(ctx, sessionID, taskID, fmt.Sprintf("w%d", i))
		}(i)
	}
	close(begin)
	wg.Wait()
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrClaimConflict), errors.Is(err, ErrNotPending):
			losses++
		default:
			unexpected = err
		}
	}
	return wins, losses, unexpected
}

// gatedStore makes every Get wait until n readers have arrived, so all racing
// claimers read the same pending version before anyone writes.
type gatedStore struct {
	statestore.Store
	n       int
	mu      sync.Mutex
	arrived int
	gate    chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	value, v, err := g.Store.Get(ctx, key)
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.n {
		close(g.gate)
	}
	g.mu.Unlock()
	<-g.gate
	return value, v, err
}

func TestClaimMutualExclusionAllConflict(t *testing.T) {
	p, store, _ := newTestProtocol()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	const n = 8
	gated := NewProtocol(&gatedStore{Store: store, n: n, gate: make(chan struct{})}, nil, p.Clock())
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gated.Claim(ctx, "s1", "t1", fmt.Sprintf("w%d", i))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if errors.Is(err, ErrClaimConflict) {
			conflicts++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func Test_ClaimIsExclusive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one of N racing claimers wins", prop.ForAll(
		func(n int) bool {
			p, _, _ := newTestProtocol()
			createSession(t, p, "s1")
			submit(t, p, "s1", "t1")
			wins, losses, unexpected := raceClaim(p, "s1", "t1", n)
			return unexpected == nil && wins == 1 && losses == n-1
		},
		gen.IntRange(2, 32),
	))

	properties.TestingRun(t)
}

func TestLeaseTransitionsAreOrdered(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	lease, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)

	// cannot skip running
	err = p.Complete(ctx, lease, []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
	err = p.Fail(ctx, lease, &TaskError{Kind: KindTaskExecutionFault, Message: "x"})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
	err = p.Heartbeat(ctx, lease)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "heartbeat needs running, got %v", err)

	require.NoError(t, p.StartRun(ctx, lease))
	err = p.StartRun(ctx, lease)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "running -> running is not a start, got %v", err)

	require.NoError(t, p.Complete(ctx, lease, []byte("x")))
	err = p.Complete(ctx, lease, []byte("y"))
	assert.True(t, errors.Is(err, ErrInvalidTransition), "second completion must be refused, got %v", err)
	err = p.Fail(ctx, lease, &TaskError{Kind: KindTaskExecutionFault, Message: "late"})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

	rec, err := p.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, Completed, rec.State)
	result, err := p.ReadResult(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "x", string(result))
}

func TestLeaseLost(t *testing.T) {
	p, store, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	lease, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)
	require.NoError(t, p.StartRun(ctx, lease))

	// someone rewrites the record behind the owner's back
	data, v, err := store.Get(ctx, StatusKey("s1", "t1"))
	require.NoError(t, err)
	_, err = store.PutIfMatch(ctx, StatusKey("s1", "t1"), data, v)
	require.NoError(t, err)

	err = p.Complete(ctx, lease, []byte("x"))
	assert.True(t, errors.Is(err, ErrLeaseLost), "got %v", err)
	rec, err := p.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, Running, rec.State, "a lost lease never writes a terminal state")
}

func TestFailRecordsError(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")

	lease, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)
	require.NoError(t, p.StartRun(ctx, lease))
	require.NoError(t, p.Fail(ctx, lease, &TaskError{Kind: KindTaskExecutionFault, Message: "exit 3"}))

	rec, err := p.ReadTask(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.State)
	assert.Equal(t, &TaskError{Kind: KindTaskExecutionFault, Message: "exit 3"}, rec.Error)
	_, err = p.ReadResult(ctx, rec)
	assert.Error(t, err)
}

func TestCreateTaskDuplicate(t *testing.T) {
	p, _, _ := newTestProtocol()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")
	err := p.CreateTask(context.Background(), &TaskRecord{TaskID: "t1", SessionID: "s1", State: Pending}, nil)
	assert.True(t, errors.Is(err, ErrDuplicateTask), "got %v", err)

	err = p.CreateTask(context.Background(), &TaskRecord{TaskID: "t2", SessionID: "s1", State: Running}, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
}

func TestUpdateManifestUnderContention(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.UpdateManifest(ctx, "s1", func(m *Manifest) error {
				m.Counters.Submitted++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	m, err := p.ReadManifest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, writers, m.Counters.Submitted, "no update may be lost")
}

func TestUpdateManifestAbort(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	_, err := p.UpdateManifest(ctx, "s1", func(m *Manifest) error {
		m.Terminated = true
		return errors.New("changed my mind")
	})
	assert.Error(t, err)
	m, err := p.ReadManifest(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, m.Terminated)

	_, err = p.ReadManifest(ctx, "nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestListPending(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	for _, id := range []string{"a", "b", "c", "d"} {
		submit(t, p, "s1", id)
	}
	submit(t, p, "s1", BootstrapTaskID(0))

	lease, err := p.Claim(ctx, "s1", "b", "w1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	settled := []string{}
	pending, err := p.ListPending(ctx, "s1", ScanOptions{Settled: func(id string) { settled = append(settled, id) }})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, ids(pending))
	assert.Equal(t, []string{"b"}, settled)

	pending, err = p.ListPending(ctx, "s1", ScanOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(pending))

	pending, err = p.ListPending(ctx, "s1", ScanOptions{Skip: func(id string) bool { return id == "a" }})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(pending))

	// b is read and counts against the budget even though it is not pending
	pending, err = p.ListPending(ctx, "s1", ScanOptions{MaxReads: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(pending))

	// skipped ids are not read, so they do not count
	pending, err = p.ListPending(ctx, "s1", ScanOptions{MaxReads: 2, Skip: func(id string) bool { return id == "a" }})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(pending))

	pending, err = p.ListPending(ctx, "s1", ScanOptions{Bootstrap: true})
	require.NoError(t, err)
	assert.Equal(t, []string{BootstrapTaskID(0)}, ids(pending))
}

func TestResyncAdoptsLandedWrite(t *testing.T) {
	p, _, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")
	lease, err := p.Claim(ctx, "s1", "t1", "w1")
	require.NoError(t, err)
	require.NoError(t, p.StartRun(ctx, lease))

	// a second handle on the same claim stands in for a write whose reply was lost
	stale := &Lease{record: lease.Record(), version: lease.version}
	require.NoError(t, p.Complete(ctx, lease, []byte("r")))
	assert.True(t, errors.Is(p.Complete(ctx, stale, []byte("r")), ErrLeaseLost))

	ok, err := p.Resync(ctx, stale, Running)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.Resync(ctx, stale, Completed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Completed, stale.Record().State)

	other := &Lease{record: lease.Record(), version: lease.version}
	other.record.Owner = "w2"
	ok, err = p.Resync(ctx, other, Completed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListAndDeleteSessions(t *testing.T) {
	p, store, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	createSession(t, p, "s2")
	submit(t, p, "s1", "t1")
	submit(t, p, "s1", "t2")

	sessions, err := p.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, sessions)

	recs, err := p.ListTasks(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(recs))

	require.NoError(t, p.DeleteSession(ctx, "s1"))
	sessions, err = p.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, sessions)
	keys, err := store.List(ctx, SessionPrefix("s1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteSessionAggregatesErrors(t *testing.T) {
	p, store, _ := newTestProtocol()
	ctx := context.Background()
	createSession(t, p, "s1")
	submit(t, p, "s1", "t1")
	store.InjectFault(func(op, key string) error {
		if op == "delete" {
			return errors.New("denied")
		}
		return nil
	})
	err := p.DeleteSession(ctx, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")

	store.InjectFault(nil)
	_, err = p.ReadManifest(ctx, "s1")
	assert.NoError(t, err, "manifest is deleted last and survives a partial delete")
}

func ids(recs []*TaskRecord) []string {
	out := []string{}
	for _, r := range recs {
		out = append(out, r.TaskID)
	}
	return out
}
