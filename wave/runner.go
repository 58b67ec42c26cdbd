package wave

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/session"
)

// ExecutorRunner runs each item of a wave in its own goroutine in this process.
type ExecutorRunner struct {
	Exec executor.Executor
}

func (r *ExecutorRunner) RunWave(ctx context.Context, wave int, items []Item) []Outcome {
	out := make([]Outcome, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			v, err := r.execute(ctx, item.Payload)
			out[i] = Outcome{Index: item.Index, Wave: wave, Value: v, Err: err}
			return nil
		})
	}
	g.Wait()
	return out
}

func (r *ExecutorRunner) execute(ctx context.Context, payload []byte) (v []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return r.Exec.Execute(ctx, payload)
}

// LauncherRunner runs each wave as tasks of a session, launching one worker
// per item before the wave and stopping those workers once it resolves.
type LauncherRunner struct {
	Session *session.Manager
	// How long to wait for a wave's tasks. 0 waits until ctx is done.
	WaveTimeout time.Duration
}

func (r *LauncherRunner) RunWave(ctx context.Context, wave int, items []Item) []Outcome {
	out := make([]Outcome, len(items))
	fail := func(from int, err error) []Outcome {
		for i := from; i < len(items); i++ {
			out[i] = Outcome{Index: items[i].Index, Wave: wave, Err: err}
		}
		return out
	}
	fields := log.Fields{"sessionID": r.Session.ID(), "wave": wave}

	handles, err := r.Session.AddWorkers(ctx, len(items))
	if len(handles) > 0 {
		defer func() {
			if err := r.Session.StopWorkers(context.WithoutCancel(ctx), handles); err != nil {
				log.WithFields(fields).WithField("error", err).Warn("Error stopping wave workers")
			}
		}()
	}
	if err != nil {
		if len(handles) == 0 {
			return fail(0, errors.Wrapf(err, "launching workers for wave %d", wave))
		}
		log.WithFields(fields).WithFields(
			log.Fields{
				"launched": len(handles),
				"error":    err,
			}).Warn("Wave running with fewer workers than items")
	}

	payloads := make([][]byte, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	ids, err := r.Session.SubmitAll(ctx, payloads)
	if err != nil {
		fail(len(ids), errors.Wrapf(err, "submitting wave %d", wave))
	}

	results, err := r.Session.CollectTasks(ctx, ids, true, r.WaveTimeout)
	for i, id := range ids {
		res, ok := results[id]
		switch {
		case !ok && err != nil:
			out[i] = Outcome{Index: items[i].Index, Wave: wave, Err: err}
		case !ok:
			out[i] = Outcome{Index: items[i].Index, Wave: wave, Err: errors.Errorf("task %s did not finish in wave %d", id, wave)}
		case res.Err != nil:
			out[i] = Outcome{Index: items[i].Index, Wave: wave, Err: res.Err}
		default:
			out[i] = Outcome{Index: items[i].Index, Wave: wave, Value: res.Value}
		}
	}
	return out
}
