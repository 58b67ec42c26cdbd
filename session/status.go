package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
)

// Status is an aggregate view of the session's user tasks. Bootstrap records
// only show up as WorkersJoined.
type Status struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`

	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	WorkersJoined int  `json:"workersJoined"`
	Expired       bool `json:"expired"`
	Terminated    bool `json:"terminated"`
	// Running tasks whose owner has not written a heartbeat recently. They
	// are reported, never requeued.
	Stale int `json:"stale"`
}

func (s *Status) String() string {
	return fmt.Sprintf("Status: SessionID: %s, Total: %d, Pending: %d, Claimed: %d, Running: %d, Completed: %d, Failed: %d, WorkersJoined: %d, Stale: %d, Expired: %t, Terminated: %t",
		s.SessionID, s.Total, s.Pending, s.Claimed, s.Running, s.Completed, s.Failed, s.WorkersJoined, s.Stale, s.Expired, s.Terminated)
}

// Done reports whether every task has reached a terminal state.
func (s *Status) Done() bool {
	return s.Completed+s.Failed == s.Total
}

// snapshot is one consistent-enough read of a session.
type snapshot struct {
	manifest *coord.Manifest
	now      time.Time
	expired  bool
	records  []*coord.TaskRecord
}

func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	mf, err := m.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := m.proto.ListTasks(ctx, m.sessionID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	return &snapshot{manifest: mf, now: now, expired: mf.Expired(now), records: recs}, nil
}

// effectiveState is the state a record is reported in. Non-terminal tasks of
// an expired session are reported failed.
func (s *snapshot) effectiveState(rec *coord.TaskRecord) coord.TaskState {
	if s.expired && !rec.State.IsTerminal() {
		return coord.Failed
	}
	return rec.State
}

// Status classifies every task record of the session.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	defer m.stat.Latency(stats.SessionStatusLatency_ms).Time().Stop()
	m.stat.Counter(stats.SessionStatusCounter).Inc(1)

	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		SessionID:  m.sessionID,
		ExpiresAt:  snap.manifest.ExpiresAt,
		Expired:    snap.expired,
		Terminated: snap.manifest.Terminated,
	}
	for _, rec := range snap.records {
		if rec.Bootstrap || coord.IsBootstrapID(rec.TaskID) {
			if rec.State == coord.Completed {
				st.WorkersJoined++
			}
			continue
		}
		st.Total++
		switch snap.effectiveState(rec) {
		case coord.Pending:
			st.Pending++
		case coord.Claimed:
			st.Claimed++
		case coord.Running:
			st.Running++
			if m.staleAfter > 0 && snap.now.Sub(rec.LastSeen()) > m.staleAfter {
				st.Stale++
			}
		case coord.Completed:
			st.Completed++
		case coord.Failed:
			st.Failed++
		default:
			log.WithFields(m.fields()).WithFields(
				log.Fields{
					"taskID": rec.TaskID,
					"state":  rec.State,
				}).Warn("Task record in unknown state")
		}
	}
	return st, nil
}

// Result is the outcome of one task as returned by Collect. Err is set for
// failed tasks and Value holds the output of completed ones.
type Result struct {
	TaskID string           `json:"taskId"`
	Value  []byte           `json:"value,omitempty"`
	Err    *coord.TaskError `json:"error,omitempty"`
}

// Collect returns the results of every task that has finished, failures
// included as error results. With wait it polls until every task is terminal
// or timeout passes (0 waits until ctx is done); running out of time is not
// an error, the partial view is returned. For an expired session every
// unfinished task comes back as a SessionExpired error result.
func (m *Manager) Collect(ctx context.Context, wait bool, timeout time.Duration) (map[string]Result, error) {
	return m.collect(ctx, nil, wait, timeout)
}

// CollectTasks is Collect restricted to taskIDs. With wait it only waits for
// those tasks, whatever else the session still has unfinished.
func (m *Manager) CollectTasks(ctx context.Context, taskIDs []string, wait bool, timeout time.Duration) (map[string]Result, error) {
	want := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = true
	}
	return m.collect(ctx, want, wait, timeout)
}

// collect polls collectOnce. A nil want means every task of the session.
func (m *Manager) collect(ctx context.Context, want map[string]bool, wait bool, timeout time.Duration) (map[string]Result, error) {
	m.stat.Counter(stats.SessionCollectCounter).Inc(1)
	deadline := m.clock.Now().Add(timeout)
	for {
		results, done, err := m.collectOnce(ctx, want)
		if err != nil || !wait || done {
			return results, err
		}
		delay := m.pollInterval
		if timeout > 0 {
			remaining := deadline.Sub(m.clock.Now())
			if remaining <= 0 {
				log.WithFields(m.fields()).WithField("collected", len(results)).Info("Collect timed out, returning partial results")
				return results, nil
			}
			if remaining < delay {
				delay = remaining
			}
		}
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-m.clock.After(delay):
		}
	}
}

// collectOnce reads every finished result and reports whether all tasks are terminal.
func (m *Manager) collectOnce(ctx context.Context, want map[string]bool) (map[string]Result, bool, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	results := make(map[string]Result)
	finished := []*coord.TaskRecord{}
	done := true
	for _, rec := range snap.records {
		if rec.Bootstrap || coord.IsBootstrapID(rec.TaskID) {
			continue
		}
		if want != nil && !want[rec.TaskID] {
			continue
		}
		switch snap.effectiveState(rec) {
		case coord.Completed:
			finished = append(finished, rec)
		case coord.Failed:
			taskErr := rec.Error
			if !rec.State.IsTerminal() {
				taskErr = &coord.TaskError{Kind: coord.KindSessionExpired, Message: fmt.Sprintf("session expired at %s while task was %s", snap.manifest.ExpiresAt.Format(time.RFC3339), rec.State)}
			} else if taskErr == nil {
				taskErr = &coord.TaskError{Kind: coord.KindTaskExecutionFault, Message: "task failed without an error"}
			}
			results[rec.TaskID] = Result{TaskID: rec.TaskID, Err: taskErr}
		case coord.Pending, coord.Claimed, coord.Running:
			done = false
		}
	}

	values := make([][]byte, len(finished))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.proto.ReadParallelism)
	for i, rec := range finished {
		g.Go(func() error {
			v, err := m.proto.ReadResult(gctx, rec)
			if err != nil {
				return errors.Wrapf(err, "collecting task %s", rec.TaskID)
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	for i, rec := range finished {
		results[rec.TaskID] = Result{TaskID: rec.TaskID, Value: values[i]}
	}
	return results, done, nil
}
