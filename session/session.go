// Package session manages sessions from the client side: creating them and
// launching their workers, submitting tasks, and reading status and results
// back out of the store. A Manager holds no state that is not in the store,
// so any number of managers can attach to one session, from any process.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/launcher"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStaleAfter   = 5 * time.Minute
)

// Deps are the handles a Manager works through.
type Deps struct {
	Proto     *coord.Protocol
	Launchers *launcher.Registry
	Stats     stats.StatsReceiver

	// How often Collect re-reads the session while waiting.
	PollInterval time.Duration
	// Running tasks without a heartbeat for this long are reported as stale. 0 disables.
	StaleAfter time.Duration
}

// Config describes a new session.
type Config struct {
	Workers  int
	Timeout  time.Duration
	Launcher string
	Spec     coord.WorkerSpec
}

func (c Config) String() string {
	return fmt.Sprintf("Session Config:\n\tWorkers: %d\n\tTimeout: %s\n\tLauncher: %s\n\tImage: %s\n\tCommand: %v",
		c.Workers, c.Timeout, c.Launcher, c.Spec.Image, c.Spec.Command)
}

// Manager is a handle on one session.
type Manager struct {
	sessionID    string
	proto        *coord.Protocol
	clock        clockwork.Clock
	launchers    *launcher.Registry
	stat         stats.StatsReceiver
	pollInterval time.Duration
	staleAfter   time.Duration
}

func newManager(deps Deps, sessionID string) *Manager {
	stat := deps.Stats
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	poll := deps.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Manager{
		sessionID:    sessionID,
		proto:        deps.Proto,
		clock:        deps.Proto.Clock(),
		launchers:    deps.Launchers,
		stat:         stat.Scope("session").Precision(time.Millisecond),
		pollInterval: poll,
		staleAfter:   deps.StaleAfter,
	}
}

func generateID() string {
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

func (m *Manager) fields() log.Fields {
	return log.Fields{"sessionID": m.sessionID}
}

// Create allocates a session, writes its manifest and one bootstrap record
// per worker, and launches the workers. If the launch fails the session is
// terminated and whatever did start is stopped.
func Create(ctx context.Context, deps Deps, cfg Config) (*Manager, error) {
	if cfg.Workers < 0 {
		return nil, errors.Errorf("invalid worker count %d", cfg.Workers)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.Errorf("invalid session timeout %s", cfg.Timeout)
	}
	var l launcher.Launcher
	if cfg.Workers > 0 {
		if deps.Launchers == nil {
			return nil, errors.New("no launchers configured")
		}
		var err error
		if l, err = deps.Launchers.Get(cfg.Launcher); err != nil {
			return nil, err
		}
	}

	m := newManager(deps, generateID())
	now := m.clock.Now().UTC()
	manifest := &coord.Manifest{
		SessionID: m.sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(cfg.Timeout),
		Backend: coord.BackendConfig{
			Launcher: cfg.Launcher,
			Workers:  cfg.Workers,
			Spec:     cfg.Spec,
		},
	}
	if err := m.proto.CreateManifest(ctx, manifest); err != nil {
		return nil, err
	}
	log.WithFields(m.fields()).Infof("Created session\n%s", cfg)

	if cfg.Workers == 0 {
		return m, nil
	}

	if _, err := m.launch(ctx, l, 0, cfg.Workers, cfg.Spec); err != nil {
		result := multierror.Append(nil, err)
		if cerr := m.Cleanup(ctx, true, false); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		return nil, result.ErrorOrNil()
	}
	return m, nil
}

// AddWorkers launches count more workers into the session with the launcher
// and spec it was created with, and returns their handles. The handles are
// recorded in the manifest, so Cleanup stops them too.
func (m *Manager) AddWorkers(ctx context.Context, count int) ([]coord.WorkerHandle, error) {
	if count <= 0 {
		return nil, errors.Errorf("invalid worker count %d", count)
	}
	if m.launchers == nil {
		return nil, errors.New("no launchers configured")
	}
	var base int
	mf, err := m.proto.UpdateManifest(ctx, m.sessionID, func(mf *coord.Manifest) error {
		if err := m.checkOpen(mf); err != nil {
			return err
		}
		base = mf.Backend.Workers
		mf.Backend.Workers += count
		return nil
	})
	if err != nil {
		return nil, err
	}
	l, err := m.launchers.Get(mf.Backend.Launcher)
	if err != nil {
		return nil, err
	}
	return m.launch(ctx, l, base, count, mf.Backend.Spec)
}

// launch writes bootstrap records base..base+count-1, starts count workers
// and records whatever handles came back, even when the launch failed part way.
func (m *Manager) launch(ctx context.Context, l launcher.Launcher, base, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	for i := base; i < base+count; i++ {
		payload, err := m.proto.Serializer().Encode(coord.BootstrapPayload{SessionID: m.sessionID, WorkerIndex: i})
		if err != nil {
			return nil, errors.Wrap(err, "encoding bootstrap payload")
		}
		rec := &coord.TaskRecord{
			TaskID:    coord.BootstrapTaskID(i),
			SessionID: m.sessionID,
			State:     coord.Pending,
			Bootstrap: true,
		}
		if err := m.proto.CreateTask(ctx, rec, payload); err != nil {
			return nil, errors.Wrapf(err, "writing bootstrap record %d", i)
		}
	}

	spec.FirstIndex = base
	handles, launchErr := l.Launch(ctx, m.sessionID, count, spec)
	m.stat.Counter(stats.SessionWorkersLaunchedCounter).Inc(int64(len(handles)))
	_, err := m.proto.UpdateManifest(ctx, m.sessionID, func(mf *coord.Manifest) error {
		mf.WorkerHandles = append(mf.WorkerHandles, handles...)
		mf.Counters.Launched += len(handles)
		return nil
	})
	if launchErr != nil {
		log.WithFields(m.fields()).WithFields(
			log.Fields{
				"launched":  len(handles),
				"requested": count,
				"error":     launchErr,
			}).Error("Launch failed")
		return handles, &LaunchError{Requested: count, Launched: len(handles), Err: launchErr}
	}
	if err != nil {
		return handles, errors.Wrap(err, "recording worker handles")
	}
	log.WithFields(m.fields()).WithField("workers", len(handles)).Info("Launched session workers")
	return handles, nil
}

// LaunchError is returned when a launcher could not start every requested worker.
type LaunchError struct {
	Requested int
	Launched  int
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching workers: started %d of %d: %v", e.Launched, e.Requested, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Attach returns a manager for an existing session. It assumes nothing about
// whether the session's workers are still running.
func Attach(ctx context.Context, deps Deps, sessionID string) (*Manager, error) {
	if err := coord.ValidateID("session", sessionID); err != nil {
		return nil, err
	}
	m := newManager(deps, sessionID)
	mf, err := m.proto.ReadManifest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	log.WithFields(m.fields()).WithFields(
		log.Fields{
			"launcher":   mf.Backend.Launcher,
			"expiresAt":  mf.ExpiresAt,
			"terminated": mf.Terminated,
		}).Info("Attached to session")
	return m, nil
}

func (m *Manager) ID() string { return m.sessionID }

// Manifest returns the current session manifest.
func (m *Manager) Manifest(ctx context.Context) (*coord.Manifest, error) {
	return m.proto.ReadManifest(ctx, m.sessionID)
}

// checkOpen fails if the session can no longer take work.
func (m *Manager) checkOpen(mf *coord.Manifest) error {
	if mf.Terminated {
		return errors.Wrapf(coord.ErrSessionTerminated, "session %s", m.sessionID)
	}
	if mf.Expired(m.clock.Now()) {
		return errors.Wrapf(coord.ErrSessionExpired, "session %s", m.sessionID)
	}
	return nil
}

// Submit stores payload as a new pending task and returns its id. Once Submit
// returns the task is visible to every worker and counted by Status.
func (m *Manager) Submit(ctx context.Context, payload []byte) (string, error) {
	mf, err := m.Manifest(ctx)
	if err != nil {
		return "", err
	}
	if err := m.checkOpen(mf); err != nil {
		return "", err
	}
	id, err := m.submit(ctx, payload)
	if err != nil {
		return "", err
	}
	if err := m.bumpSubmitted(ctx, 1); err != nil {
		return id, err
	}
	return id, nil
}

// SubmitAll submits every payload in order and returns the ids created. It
// stops at the first error; the ids returned so far were submitted.
func (m *Manager) SubmitAll(ctx context.Context, payloads [][]byte) ([]string, error) {
	mf, err := m.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.checkOpen(mf); err != nil {
		return nil, err
	}
	ids := []string{}
	var submitErr error
	for _, p := range payloads {
		id, err := m.submit(ctx, p)
		if err != nil {
			submitErr = err
			break
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		if err := m.bumpSubmitted(ctx, len(ids)); err != nil && submitErr == nil {
			submitErr = err
		}
	}
	return ids, submitErr
}

func (m *Manager) submit(ctx context.Context, payload []byte) (string, error) {
	rec := &coord.TaskRecord{
		TaskID:    generateID(),
		SessionID: m.sessionID,
		State:     coord.Pending,
	}
	if err := m.proto.CreateTask(ctx, rec, payload); err != nil {
		return "", err
	}
	m.stat.Counter(stats.SessionSubmitCounter).Inc(1)
	log.WithFields(m.fields()).WithField("taskID", rec.TaskID).Debug("Submitted task")
	return rec.TaskID, nil
}

// bumpSubmitted updates the advisory submitted counter. The task records are
// the source of truth, so a failure here is logged and returned but the tasks stand.
// The counter can overcount: a retried manifest write that landed and was then
// overwritten by another manager is seen as a conflict, and the increment is
// applied again on top of the newer manifest.
func (m *Manager) bumpSubmitted(ctx context.Context, n int) error {
	_, err := m.proto.UpdateManifest(ctx, m.sessionID, func(mf *coord.Manifest) error {
		mf.Counters.Submitted += n
		return nil
	})
	if err != nil {
		log.WithFields(m.fields()).WithField("error", err).Warn("Error updating submitted counter")
	}
	return err
}

// Extend pushes the session's expiry to ExpiresAt + d. Expired and
// terminated sessions cannot be extended.
func (m *Manager) Extend(ctx context.Context, d time.Duration) (*coord.Manifest, error) {
	if d <= 0 {
		return nil, errors.Errorf("invalid extension %s", d)
	}
	return m.proto.UpdateManifest(ctx, m.sessionID, func(mf *coord.Manifest) error {
		if err := m.checkOpen(mf); err != nil {
			return err
		}
		mf.ExpiresAt = mf.ExpiresAt.Add(d)
		return nil
	})
}

// Cleanup marks the session terminated, then optionally stops every recorded
// worker and deletes all session data. Marking terminated always happens
// first, so agents stop claiming even if the rest fails.
func (m *Manager) Cleanup(ctx context.Context, stopWorkers, deleteData bool) error {
	mf, err := m.proto.UpdateManifest(ctx, m.sessionID, func(mf *coord.Manifest) error {
		if !mf.Terminated {
			now := m.clock.Now().UTC()
			mf.Terminated = true
			mf.TerminatedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(m.fields()).Info("Session terminated")

	var result *multierror.Error
	if stopWorkers {
		for _, h := range mf.WorkerHandles {
			if err := m.stopWorker(ctx, mf, h); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if deleteData {
		if err := m.proto.DeleteSession(ctx, m.sessionID); err != nil {
			result = multierror.Append(result, err)
		} else {
			log.WithFields(m.fields()).Info("Session data deleted")
		}
	}
	return result.ErrorOrNil()
}

// StopWorkers stops the given workers of the session. It does not touch the
// manifest; stopping an already stopped worker is not an error for any launcher.
func (m *Manager) StopWorkers(ctx context.Context, handles []coord.WorkerHandle) error {
	mf, err := m.Manifest(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, h := range handles {
		if err := m.stopWorker(ctx, mf, h); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) stopWorker(ctx context.Context, mf *coord.Manifest, h coord.WorkerHandle) error {
	name := h.Launcher
	if name == "" {
		name = mf.Backend.Launcher
	}
	if m.launchers == nil {
		return errors.Errorf("no launcher available to stop worker %s", h.ID)
	}
	l, err := m.launchers.Get(name)
	if err != nil {
		return errors.Wrapf(err, "stopping worker %s", h.ID)
	}
	if err := l.Stop(ctx, h); err != nil {
		return errors.Wrapf(err, "stopping worker %s", h.ID)
	}
	return nil
}

// Summary is one line of List output.
type Summary struct {
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Expired    bool      `json:"expired"`
	Terminated bool      `json:"terminated"`
	Launcher   string    `json:"launcher"`
	Submitted  int       `json:"submitted"`
	Launched   int       `json:"launched"`
}

// List summarizes every session in the store, in session id order.
func List(ctx context.Context, deps Deps) ([]Summary, error) {
	ids, err := deps.Proto.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	now := deps.Proto.Clock().Now()
	out := make([]*Summary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deps.Proto.ReadParallelism)
	for i, id := range ids {
		g.Go(func() error {
			mf, err := deps.Proto.ReadManifest(gctx, id)
			if errors.Is(err, coord.ErrSessionNotFound) {
				return nil
			} else if err != nil {
				return err
			}
			out[i] = &Summary{
				SessionID:  mf.SessionID,
				CreatedAt:  mf.CreatedAt,
				ExpiresAt:  mf.ExpiresAt,
				Expired:    mf.Expired(now),
				Terminated: mf.Terminated,
				Launcher:   mf.Backend.Launcher,
				Submitted:  mf.Counters.Submitted,
				Launched:   mf.Counters.Launched,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	summaries := []Summary{}
	for _, s := range out {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	return summaries, nil
}
