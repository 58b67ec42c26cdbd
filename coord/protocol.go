// Package coord implements the store-based coordination protocol: session
// manifests, task records, atomic claim by conditional write, and the lease
// transitions an owner drives a claimed task through.
//
// Every guarantee here rests on statestore.Store.PutIfMatch. There are no
// locks and no process-local state; any number of workers and managers may
// use the same session concurrently.
package coord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/corral/statestore"
)

// DefaultReadParallelism bounds concurrent record reads in ListTasks.
const DefaultReadParallelism = 16

// maxManifestUpdateAttempts bounds the read-modify-write loop in UpdateManifest.
const maxManifestUpdateAttempts = 64

// Protocol is the coordination API over one store. It is safe for concurrent use.
type Protocol struct {
	store statestore.Store
	ser   Serializer
	clock clockwork.Clock

	ReadParallelism int
}

// NewProtocol returns a Protocol over store. A nil ser uses JSONSerializer and
// a nil clock the real clock.
func NewProtocol(store statestore.Store, ser Serializer, clock clockwork.Clock) *Protocol {
	if ser == nil {
		ser = JSONSerializer{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Protocol{store: store, ser: ser, clock: clock, ReadParallelism: DefaultReadParallelism}
}

func (p *Protocol) Store() statestore.Store { return p.store }
func (p *Protocol) Serializer() Serializer  { return p.ser }
func (p *Protocol) Clock() clockwork.Clock  { return p.clock }

func (p *Protocol) now() time.Time {
	return p.clock.Now().UTC()
}

//
// Manifest
//

// CreateManifest writes a new manifest. It fails if the session already exists.
func (p *Protocol) CreateManifest(ctx context.Context, m *Manifest) error {
	if err := ValidateID("session", m.SessionID); err != nil {
		return err
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	data, err := p.ser.Encode(m)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	_, err = p.store.PutIfMatch(ctx, ManifestKey(m.SessionID), data, statestore.NoVersion)
	if statestore.IsConflict(err) {
		return errors.Errorf("session %s already exists", m.SessionID)
	}
	return errors.Wrapf(err, "creating manifest for session %s", m.SessionID)
}

func (p *Protocol) readManifest(ctx context.Context, sessionID string) (*Manifest, statestore.Version, error) {
	data, v, err := p.store.Get(ctx, ManifestKey(sessionID))
	if statestore.IsNotFound(err) {
		return nil, statestore.NoVersion, errors.Wrapf(ErrSessionNotFound, "session %s", sessionID)
	} else if err != nil {
		return nil, statestore.NoVersion, errors.Wrapf(err, "reading manifest for session %s", sessionID)
	}
	m := &Manifest{}
	if err := p.ser.Decode(data, m); err != nil {
		return nil, statestore.NoVersion, errors.Wrapf(err, "decoding manifest for session %s", sessionID)
	}
	return m, v, nil
}

// ReadManifest returns the current manifest or ErrSessionNotFound.
func (p *Protocol) ReadManifest(ctx context.Context, sessionID string) (*Manifest, error) {
	m, _, err := p.readManifest(ctx, sessionID)
	return m, err
}

// UpdateManifest applies fn to the current manifest and writes it back
// conditionally, re-reading and re-applying fn on conflict so concurrent
// updates from several managers are never lost. fn must be safe to call
// more than once. If fn returns an error nothing is written.
func (p *Protocol) UpdateManifest(ctx context.Context, sessionID string, fn func(m *Manifest) error) (*Manifest, error) {
	for attempt := 1; attempt <= maxManifestUpdateAttempts; attempt++ {
		m, v, err := p.readManifest(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			return nil, err
		}
		data, err := p.ser.Encode(m)
		if err != nil {
			return nil, errors.Wrap(err, "encoding manifest")
		}
		_, err = p.store.PutIfMatch(ctx, ManifestKey(sessionID), data, v)
		if err == nil {
			return m, nil
		}
		if !statestore.IsConflict(err) {
			return nil, errors.Wrapf(err, "updating manifest for session %s", sessionID)
		}
		log.WithFields(
			log.Fields{
				"sessionID": sessionID,
				"attempt":   attempt,
			}).Debug("Manifest update conflicted, retrying")
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, errors.Errorf("updating manifest for session %s: too much contention", sessionID)
}

// ListSessions returns the ids of every session with a manifest in the store.
func (p *Protocol) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := p.store.List(ctx, SessionsPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing sessions")
	}
	ids := []string{}
	for _, k := range keys {
		if id, ok := sessionIDFromManifestKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteSession removes every object under the session, the manifest last so
// a partially deleted session is still discoverable and can be cleaned again.
func (p *Protocol) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := p.store.List(ctx, SessionPrefix(sessionID))
	if err != nil {
		return errors.Wrapf(err, "listing session %s", sessionID)
	}
	manifestKey := ManifestKey(sessionID)
	var result *multierror.Error
	for _, k := range keys {
		if k == manifestKey {
			continue
		}
		if err := p.store.Delete(ctx, k); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "deleting %s", k))
		}
	}
	if result.ErrorOrNil() != nil {
		return result.ErrorOrNil()
	}
	return errors.Wrapf(p.store.Delete(ctx, manifestKey), "deleting %s", manifestKey)
}

//
// Task records
//

// CreateTask writes the payload object and then a pending status record for
// rec. Because the payload lands first, any worker that sees the record can
// read its payload. rec.State must be Pending.
func (p *Protocol) CreateTask(ctx context.Context, rec *TaskRecord, payload []byte) error {
	if err := ValidateID("task", rec.TaskID); err != nil {
		return err
	}
	if rec.State != Pending {
		return errors.Wrapf(ErrInvalidTransition, "new task %s must be pending, not %s", rec.TaskID, rec.State)
	}
	rec.PayloadRef = PayloadKey(rec.SessionID, rec.TaskID)
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = p.now()
	}
	if _, err := p.store.PutIfMatch(ctx, rec.PayloadRef, payload, statestore.NoVersion); err != nil {
		if statestore.IsConflict(err) {
			return errors.Wrapf(ErrDuplicateTask, "task %s", rec.TaskID)
		}
		return errors.Wrapf(err, "writing payload for task %s", rec.TaskID)
	}
	data, err := p.ser.Encode(rec)
	if err != nil {
		return errors.Wrap(err, "encoding task record")
	}
	if _, err := p.store.PutIfMatch(ctx, StatusKey(rec.SessionID, rec.TaskID), data, statestore.NoVersion); err != nil {
		if statestore.IsConflict(err) {
			return errors.Wrapf(ErrDuplicateTask, "task %s", rec.TaskID)
		}
		return errors.Wrapf(err, "writing status for task %s", rec.TaskID)
	}
	return nil
}

func (p *Protocol) readTask(ctx context.Context, sessionID, taskID string) (*TaskRecord, statestore.Version, error) {
	data, v, err := p.store.Get(ctx, StatusKey(sessionID, taskID))
	if statestore.IsNotFound(err) {
		return nil, statestore.NoVersion, errors.Wrapf(ErrTaskNotFound, "task %s", taskID)
	} else if err != nil {
		return nil, statestore.NoVersion, errors.Wrapf(err, "reading task %s", taskID)
	}
	rec := &TaskRecord{}
	if err := p.ser.Decode(data, rec); err != nil {
		return nil, statestore.NoVersion, errors.Wrapf(err, "decoding task %s", taskID)
	}
	return rec, v, nil
}

// ReadTask returns the current record of one task.
func (p *Protocol) ReadTask(ctx context.Context, sessionID, taskID string) (*TaskRecord, error) {
	rec, _, err := p.readTask(ctx, sessionID, taskID)
	return rec, err
}

// ReadPayload returns the payload bytes referenced by rec.
func (p *Protocol) ReadPayload(ctx context.Context, rec *TaskRecord) ([]byte, error) {
	ref := rec.PayloadRef
	if ref == "" {
		ref = PayloadKey(rec.SessionID, rec.TaskID)
	}
	data, _, err := p.store.Get(ctx, ref)
	return data, errors.Wrapf(err, "reading payload for task %s", rec.TaskID)
}

// ReadResult returns the result bytes of a completed task.
func (p *Protocol) ReadResult(ctx context.Context, rec *TaskRecord) ([]byte, error) {
	if rec.State != Completed {
		return nil, errors.Errorf("task %s is %s, not completed", rec.TaskID, rec.State)
	}
	ref := rec.ResultRef
	if ref == "" {
		ref = ResultKey(rec.SessionID, rec.TaskID)
	}
	data, _, err := p.store.Get(ctx, ref)
	return data, errors.Wrapf(err, "reading result for task %s", rec.TaskID)
}

// ListTaskIDs returns the ids of every task record in the session, sorted.
func (p *Protocol) ListTaskIDs(ctx context.Context, sessionID string) ([]string, error) {
	prefix := TasksPrefix(sessionID)
	keys, err := p.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "listing tasks of session %s", sessionID)
	}
	ids := []string{}
	for _, k := range keys {
		if id, ok := taskIDFromStatusKey(prefix, k); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListTasks reads every task record of the session, in task id order. A record
// listed but deleted before it could be read is skipped.
func (p *Protocol) ListTasks(ctx context.Context, sessionID string) ([]*TaskRecord, error) {
	ids, err := p.ListTaskIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recs := make([]*TaskRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.ReadParallelism)
	for i, id := range ids {
		g.Go(func() error {
			rec, _, err := p.readTask(gctx, sessionID, id)
			if errors.Is(err, ErrTaskNotFound) {
				return nil
			}
			recs[i] = rec
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// ScanOptions bound a search for claimable tasks.
type ScanOptions struct {
	// Limit is the most pending records returned. <= 0 means no limit.
	Limit int
	// MaxReads is the most records read, pending or not. <= 0 means no limit.
	// Combined with Offset it keeps every poll the same size while still
	// reaching every record over successive polls.
	MaxReads int
	// Bootstrap selects bootstrap records instead of user tasks.
	Bootstrap bool
	// Offset rotates the id list before scanning so that workers polling the
	// same session spread their claim attempts.
	Offset int
	// Skip, if set, is consulted before reading a record. Workers use it to
	// avoid re-reading tasks they already know are not pending.
	Skip func(taskID string) bool
	// Settled, if set, is called with the id of every record found not pending.
	Settled func(taskID string)
}

// ListPending returns up to opts.Limit records found in state Pending, reading
// at most opts.MaxReads records.
func (p *Protocol) ListPending(ctx context.Context, sessionID string, opts ScanOptions) ([]*TaskRecord, error) {
	ids, err := p.ListTaskIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		if IsBootstrapID(id) == opts.Bootstrap {
			candidates = append(candidates, id)
		}
	}
	if n := len(candidates); n > 0 && opts.Offset != 0 {
		off := ((opts.Offset % n) + n) % n
		candidates = append(candidates[off:], candidates[:off]...)
	}
	pending := []*TaskRecord{}
	reads := 0
	for _, id := range candidates {
		if opts.Limit > 0 && len(pending) >= opts.Limit {
			break
		}
		if opts.MaxReads > 0 && reads >= opts.MaxReads {
			break
		}
		if opts.Skip != nil && opts.Skip(id) {
			continue
		}
		reads++
		rec, _, err := p.readTask(ctx, sessionID, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		} else if err != nil {
			return pending, err
		}
		if rec.State == Pending {
			pending = append(pending, rec)
		} else if opts.Settled != nil {
			opts.Settled(id)
		}
	}
	return pending, nil
}

//
// Claim and lease
//

// Lease is proof of ownership of a claimed task: the record as last written by
// its owner together with that write's version. All lease transitions are
// conditional on the version so an owner never overwrites a change it did not see.
type Lease struct {
	mu      sync.Mutex
	record  *TaskRecord
	version statestore.Version
}

// Record returns a copy of the record as last written through the lease.
func (l *Lease) Record() *TaskRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record.Copy()
}

// Claim attempts to take ownership of a pending task for workerID.
//
// It reads the record, requires state Pending, and writes a Claimed copy
// conditional on the version it read. Exactly one of any number of racing
// claimers succeeds; the rest get ErrClaimConflict and must move on to a
// different task. ErrNotPending is returned if the task was already taken.
func (p *Protocol) Claim(ctx context.Context, sessionID, taskID, workerID string) (*Lease, error) {
	rec, v, err := p.readTask(ctx, sessionID, taskID)
	if err != nil {
		return nil, err
	}
	if rec.State != Pending {
		return nil, errors.Wrapf(ErrNotPending, "task %s is %s", taskID, rec.State)
	}
	next := rec.Copy()
	now := p.now()
	next.State = Claimed
	next.Owner = workerID
	next.ClaimedAt = &now
	newV, err := p.write(ctx, next, v)
	if statestore.IsConflict(err) {
		return nil, errors.Wrapf(ErrClaimConflict, "task %s", taskID)
	} else if err != nil {
		return nil, err
	}
	return &Lease{record: next, version: newV}, nil
}

func (p *Protocol) write(ctx context.Context, rec *TaskRecord, v statestore.Version) (statestore.Version, error) {
	data, err := p.ser.Encode(rec)
	if err != nil {
		return statestore.NoVersion, errors.Wrap(err, "encoding task record")
	}
	return p.store.PutIfMatch(ctx, StatusKey(rec.SessionID, rec.TaskID), data, v)
}

// advance applies mutate to a copy of the leased record and writes it
// conditionally. to is the state the write moves the record into. A nil to
// keeps the state and is only allowed on a Running record.
func (p *Protocol) advance(ctx context.Context, l *Lease, to *TaskState, mutate func(r *TaskRecord, now time.Time)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := l.record.State
	target := from
	if to != nil {
		target = *to
	}
	if (to == nil && from != Running) || (to != nil && !ValidTransition(from, target)) {
		return errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", l.record.TaskID, from, target)
	}
	next := l.record.Copy()
	next.State = target
	mutate(next, p.now())
	newV, err := p.write(ctx, next, l.version)
	if statestore.IsConflict(err) {
		return errors.Wrapf(ErrLeaseLost, "task %s", l.record.TaskID)
	} else if err != nil {
		return err
	}
	l.record, l.version = next, newV
	return nil
}

// StartRun moves a claimed task to Running.
func (p *Protocol) StartRun(ctx context.Context, l *Lease) error {
	return p.advance(ctx, l, stateRef(Running), func(r *TaskRecord, now time.Time) {
		r.StartedAt = &now
		r.HeartbeatAt = &now
	})
}

// Heartbeat refreshes HeartbeatAt on a running task. It never changes state.
func (p *Protocol) Heartbeat(ctx context.Context, l *Lease) error {
	return p.advance(ctx, l, nil, func(r *TaskRecord, now time.Time) {
		r.HeartbeatAt = &now
	})
}

// Complete stores result and moves the running task to Completed.
func (p *Protocol) Complete(ctx context.Context, l *Lease, result []byte) error {
	rec := l.Record()
	if rec.State != Running {
		return errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", rec.TaskID, rec.State, Completed)
	}
	ref := ResultKey(rec.SessionID, rec.TaskID)
	if err := p.putResult(ctx, ref, result); err != nil {
		return err
	}
	return p.advance(ctx, l, stateRef(Completed), func(r *TaskRecord, now time.Time) {
		r.ResultRef = ref
		r.FinishedAt = &now
	})
}

// putResult writes the result object. Only the owner writes it, so an existing
// object can only be left over from our own earlier attempt and is replaced.
func (p *Protocol) putResult(ctx context.Context, ref string, result []byte) error {
	_, err := p.store.PutIfMatch(ctx, ref, result, statestore.NoVersion)
	if statestore.IsConflict(err) {
		_, v, gerr := p.store.Get(ctx, ref)
		if gerr != nil {
			return errors.Wrapf(gerr, "reading existing result %s", ref)
		}
		_, err = p.store.PutIfMatch(ctx, ref, result, v)
	}
	return errors.Wrapf(err, "writing result %s", ref)
}

// Fail moves the running task to Failed, recording taskErr.
func (p *Protocol) Fail(ctx context.Context, l *Lease, taskErr *TaskError) error {
	return p.advance(ctx, l, stateRef(Failed), func(r *TaskRecord, now time.Time) {
		e := *taskErr
		r.Error = &e
		r.FinishedAt = &now
	})
}

// Resync re-reads the leased record after a write whose outcome is unknown.
// If the stored record has the lease's owner and state want, that write
// landed: the lease takes the stored version and Resync returns true.
func (p *Protocol) Resync(ctx context.Context, l *Lease, want TaskState) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, v, err := p.readTask(ctx, l.record.SessionID, l.record.TaskID)
	if err != nil {
		return false, err
	}
	if rec.Owner != l.record.Owner || rec.State != want {
		return false, nil
	}
	l.record, l.version = rec, v
	return true, nil
}

func stateRef(s TaskState) *TaskState { return &s }
