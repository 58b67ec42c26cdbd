// Package worker runs the agent that claims and executes the tasks of one
// session. Agents are independent: they share nothing but the store, and
// ownership of a task is decided by coord.Protocol.Claim.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/statestore"
)

// State is where the agent is in its polling loop.
type State int

const (
	Idle State = iota
	Polling
	Executing
	Reporting
	Exiting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Executing:
		return "executing"
	case Reporting:
		return "reporting"
	case Exiting:
		return "exiting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ExitReason says why Run returned. All of them are expected terminations.
type ExitReason string

const (
	ExitIdleTimeout    ExitReason = "IdleTimeout"
	ExitTerminated     ExitReason = "Terminated"
	ExitSessionExpired ExitReason = "SessionExpired"
	ExitCancelled      ExitReason = "Cancelled"
)

// Agent polls one session for pending tasks, claims them one at a time and
// runs them through an Executor.
type Agent struct {
	proto *coord.Protocol
	exec  executor.Executor
	clock clockwork.Clock
	stat  stats.StatsReceiver
	cfg   Config

	backoff *Backoff
	// ids known not to be pending. A task never returns to pending once
	// claimed, so these never need to be read again.
	settled *lru.Cache[string, struct{}]
	rand    *rand.Rand

	mu         sync.Mutex
	state      State
	registered bool
	executed   int
}

// NewAgent returns an agent for cfg.SessionID. A blank cfg.WorkerID gets a
// generated one.
func NewAgent(proto *coord.Protocol, exec executor.Executor, cfg Config, stat stats.StatsReceiver) (*Agent, error) {
	if err := coord.ValidateID("session", cfg.SessionID); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = generateWorkerID()
	}
	cfg = cfg.withDefaults()
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	settled, err := lru.New[string, struct{}](cfg.SettledCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating settled task cache")
	}
	return &Agent{
		proto:   proto,
		exec:    exec,
		clock:   proto.Clock(),
		stat:    stat.Scope("worker").Precision(time.Millisecond),
		cfg:     cfg,
		backoff: NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		settled: settled,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func generateWorkerID() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return "worker-" + id.String()
		}
	}
}

func (a *Agent) ID() string { return a.cfg.WorkerID }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Registered reports whether the agent completed a bootstrap record.
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Executed is the number of user tasks this agent has run to a terminal state.
func (a *Agent) Executed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executed
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) fields() log.Fields {
	return log.Fields{
		"sessionID": a.cfg.SessionID,
		"workerID":  a.cfg.WorkerID,
	}
}

// Run drives the agent until the session is terminated or expired, the idle
// timeout passes, or ctx is cancelled. Only a failure to start returns an error.
func (a *Agent) Run(ctx context.Context) (ExitReason, error) {
	log.WithFields(a.fields()).Infof("Starting worker agent\n%s", a.cfg)
	if reason, done := a.checkSession(ctx); done {
		return a.exit(reason), nil
	}
	a.register(ctx)

	lastClaim := a.clock.Now()
	for {
		if ctx.Err() != nil {
			return a.exit(ExitCancelled), nil
		}
		if reason, done := a.checkSession(ctx); done {
			return a.exit(reason), nil
		}

		if a.step(ctx) {
			a.backoff.Reset()
			lastClaim = a.clock.Now()
			continue
		}

		a.setState(Idle)
		if a.clock.Since(lastClaim) >= a.cfg.IdleTimeout {
			return a.exit(ExitIdleTimeout), nil
		}
		delay := a.backoff.Next()
		a.stat.Gauge(stats.AgentBackoffGauge_ms).Update(int64(delay / time.Millisecond))
		select {
		case <-ctx.Done():
			return a.exit(ExitCancelled), nil
		case <-a.clock.After(delay):
		}
	}
}

func (a *Agent) exit(reason ExitReason) ExitReason {
	a.setState(Exiting)
	log.WithFields(a.fields()).WithFields(
		log.Fields{
			"reason":   reason,
			"executed": a.Executed(),
		}).Info("Worker agent exiting")
	return reason
}

// checkSession reads the manifest and reports whether the agent must stop.
// A store fault is logged and the agent carries on.
func (a *Agent) checkSession(ctx context.Context) (ExitReason, bool) {
	m, err := a.proto.ReadManifest(ctx, a.cfg.SessionID)
	switch {
	case errors.Is(err, coord.ErrSessionNotFound):
		log.WithFields(a.fields()).Info("Session manifest is gone, treating session as terminated")
		return ExitTerminated, true
	case err != nil:
		log.WithFields(a.fields()).WithFields(
			log.Fields{
				"error": err,
			}).Warn("Error reading session manifest")
		return "", false
	case m.Terminated:
		return ExitTerminated, true
	case m.Expired(a.clock.Now()):
		return ExitSessionExpired, true
	}
	return "", false
}

// register claims and completes one bootstrap record so the session can count
// this worker as joined. Finding none left is not an error.
func (a *Agent) register(ctx context.Context) {
	a.setState(Polling)
	candidates, err := a.proto.ListPending(ctx, a.cfg.SessionID, coord.ScanOptions{
		Limit:     a.cfg.ScanLimit,
		MaxReads:  a.cfg.maxReads(),
		Bootstrap: true,
		Offset:    a.rand.Int(),
	})
	if err != nil {
		log.WithFields(a.fields()).WithFields(
			log.Fields{
				"error": err,
			}).Warn("Error listing bootstrap records")
		return
	}
	for _, c := range candidates {
		lease, err := a.proto.Claim(ctx, a.cfg.SessionID, c.TaskID, a.cfg.WorkerID)
		if err != nil {
			continue
		}
		a.runBootstrap(ctx, lease)
		return
	}
	log.WithFields(a.fields()).Debug("No bootstrap record left to claim")
}

func (a *Agent) runBootstrap(ctx context.Context, lease *coord.Lease) {
	rec := lease.Record()
	fields := log.Fields{"taskID": rec.TaskID}
	if err := a.writeState(ctx, lease, coord.Running, func() error { return a.proto.StartRun(ctx, lease) }); err != nil {
		log.WithFields(a.fields()).WithFields(fields).WithField("error", err).Warn("Error starting bootstrap record")
		return
	}
	payload, err := a.proto.ReadPayload(ctx, rec)
	var bp coord.BootstrapPayload
	if err == nil {
		err = a.proto.Serializer().Decode(payload, &bp)
	}
	if err == nil && bp.SessionID != a.cfg.SessionID {
		err = errors.Errorf("bootstrap record belongs to session %s", bp.SessionID)
	}
	if err != nil {
		a.report(ctx, lease, nil, err)
		return
	}
	result, err := a.proto.Serializer().Encode(map[string]string{"workerId": a.cfg.WorkerID})
	if err != nil {
		a.report(ctx, lease, nil, err)
		return
	}
	if a.report(ctx, lease, result, nil) {
		a.mu.Lock()
		a.registered = true
		a.mu.Unlock()
		log.WithFields(a.fields()).WithFields(fields).WithField("workerIndex", bp.WorkerIndex).Info("Worker registered with session")
	}
}

// step runs one poll cycle and reports whether a task was claimed.
func (a *Agent) step(ctx context.Context) bool {
	a.setState(Polling)
	a.stat.Counter(stats.AgentPollCounter).Inc(1)

	candidates, err := a.proto.ListPending(ctx, a.cfg.SessionID, coord.ScanOptions{
		Limit:    a.cfg.ScanLimit,
		MaxReads: a.cfg.maxReads(),
		Offset:   a.rand.Int(),
		Skip:     a.settled.Contains,
		Settled: func(id string) {
			a.settled.Add(id, struct{}{})
		},
	})
	if err != nil {
		log.WithFields(a.fields()).WithFields(
			log.Fields{
				"error": err,
			}).Warn("Error listing pending tasks, treating as an empty poll")
	}

	for _, c := range candidates {
		lease, err := a.proto.Claim(ctx, a.cfg.SessionID, c.TaskID, a.cfg.WorkerID)
		switch {
		case err == nil:
			a.stat.Counter(stats.AgentClaimCounter).Inc(1)
			a.settled.Add(c.TaskID, struct{}{})
			a.execute(ctx, lease)
			return true
		case errors.Is(err, coord.ErrClaimConflict), errors.Is(err, coord.ErrNotPending):
			a.stat.Counter(stats.AgentClaimConflictCounter).Inc(1)
			a.settled.Add(c.TaskID, struct{}{})
			log.WithFields(a.fields()).WithFields(
				log.Fields{
					"taskID": c.TaskID,
				}).Debug("Lost claim, moving on")
		default:
			log.WithFields(a.fields()).WithFields(
				log.Fields{
					"taskID": c.TaskID,
					"error":  err,
				}).Warn("Error claiming task")
		}
	}
	a.stat.Counter(stats.AgentEmptyPollCounter).Inc(1)
	return false
}

// execute drives a claimed task to a terminal state. Failures of the task
// itself are recorded on the task and never stop the agent.
func (a *Agent) execute(ctx context.Context, lease *coord.Lease) {
	rec := lease.Record()
	fields := log.Fields{"taskID": rec.TaskID}
	a.setState(Executing)

	if err := a.writeState(ctx, lease, coord.Running, func() error { return a.proto.StartRun(ctx, lease) }); err != nil {
		// The task stays claimed and is reported as such; it is never requeued.
		log.WithFields(a.fields()).WithFields(fields).WithField("error", err).Error("Error moving claimed task to running")
		return
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(a.fields()).WithFields(fields).Debugf("Running task\n%s", spew.Sdump(lease.Record()))
	}

	stopHeartbeat := a.startHeartbeat(ctx, lease)
	payload, err := a.proto.ReadPayload(ctx, rec)
	var result []byte
	if err == nil {
		latency := a.stat.Latency(stats.AgentTaskExecLatency_ms).Time()
		result, err = a.invoke(ctx, payload)
		latency.Stop()
	}
	stopHeartbeat()

	a.setState(Reporting)
	a.report(ctx, lease, result, err)
	a.mu.Lock()
	a.executed++
	a.mu.Unlock()
}

// invoke calls the executor, turning a panic into an error.
func (a *Agent) invoke(ctx context.Context, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(a.fields()).Errorf("Executor panicked: %v\n%s", r, debug.Stack())
			result, err = nil, errors.Errorf("executor panicked: %v", r)
		}
	}()
	if a.cfg.TaskDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TaskDeadline)
		defer cancel()
	}
	return a.exec.Execute(ctx, payload)
}

// report writes the terminal state for a running task and returns true if it
// completed. Reporting outlives cancellation of ctx so a finished task is not
// left running.
func (a *Agent) report(ctx context.Context, lease *coord.Lease, result []byte, execErr error) bool {
	ctx = context.WithoutCancel(ctx)
	rec := lease.Record()
	fields := log.Fields{"taskID": rec.TaskID}
	if execErr != nil {
		a.stat.Counter(stats.AgentTaskFailedCounter).Inc(1)
		taskErr := &coord.TaskError{Kind: coord.KindTaskExecutionFault, Message: execErr.Error()}
		if err := a.writeState(ctx, lease, coord.Failed, func() error { return a.proto.Fail(ctx, lease, taskErr) }); err != nil {
			log.WithFields(a.fields()).WithFields(fields).WithField("error", err).Error("Error recording task failure")
		} else {
			log.WithFields(a.fields()).WithFields(fields).WithField("taskError", execErr).Info("Task failed")
		}
		return false
	}
	if err := a.writeState(ctx, lease, coord.Completed, func() error { return a.proto.Complete(ctx, lease, result) }); err != nil {
		log.WithFields(a.fields()).WithFields(fields).WithField("error", err).Error("Error recording task completion")
		return false
	}
	a.stat.Counter(stats.AgentTaskCompletedCounter).Inc(1)
	log.WithFields(a.fields()).WithFields(fields).Info("Task completed")
	return true
}

// writeState runs a task state write, retrying store faults with backoff until
// it succeeds or StateWriteRetryFor passes. A fault may hide a write that
// landed, so a retry that finds the lease lost checks whether the record
// already is in state to.
func (a *Agent) writeState(ctx context.Context, lease *coord.Lease, to coord.TaskState, write func() error) error {
	retry := NewBackoff(a.cfg.InitialBackoff, a.cfg.MaxBackoff)
	deadline := a.clock.Now().Add(a.cfg.StateWriteRetryFor)
	faulted := false
	for {
		err := write()
		if err == nil {
			return nil
		}
		if faulted && errors.Is(err, coord.ErrLeaseLost) {
			if landed, rerr := a.proto.Resync(ctx, lease, to); rerr == nil && landed {
				return nil
			}
		}
		if !statestore.IsUnavailable(err) || !a.clock.Now().Before(deadline) {
			return err
		}
		faulted = true
		delay := retry.Next()
		a.stat.Counter(stats.AgentStateWriteRetryCounter).Inc(1)
		log.WithFields(a.fields()).WithFields(
			log.Fields{
				"taskID": lease.Record().TaskID,
				"state":  to,
				"delay":  delay,
				"error":  err,
			}).Warn("Store fault writing task state, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-a.clock.After(delay):
		}
	}
}

// startHeartbeat refreshes the lease's HeartbeatAt until the returned func is
// called. The returned func waits for the heartbeat goroutine to exit.
func (a *Agent) startHeartbeat(ctx context.Context, lease *coord.Lease) func() {
	if a.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := a.proto.Heartbeat(ctx, lease)
				if err == nil {
					a.stat.Counter(stats.AgentHeartbeatCounter).Inc(1)
					continue
				}
				log.WithFields(a.fields()).WithFields(
					log.Fields{
						"taskID": lease.Record().TaskID,
						"error":  err,
					}).Warn("Error writing heartbeat")
				if errors.Is(err, coord.ErrLeaseLost) {
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}
