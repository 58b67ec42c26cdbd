// Package inprocess launches workers as goroutines sharing this process's
// store. It serves tests and single-machine sessions.
package inprocess

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/worker"
)

const Type = "inprocess"

type running struct {
	agent  *worker.Agent
	cancel context.CancelFunc
	done   chan struct{}
	reason worker.ExitReason
	err    error
}

// Launcher runs one worker.Agent per launched worker.
type Launcher struct {
	proto *coord.Protocol
	exec  executor.Executor
	cfg   worker.Config
	stat  stats.StatsReceiver

	mu      sync.Mutex
	agents  map[string]*running
	counter int
}

// NewLauncher returns a launcher whose agents use proto and exec. cfg is the
// template for every agent; the session and worker ids are filled in per launch.
func NewLauncher(proto *coord.Protocol, exec executor.Executor, cfg worker.Config, stat stats.StatsReceiver) *Launcher {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Launcher{proto: proto, exec: exec, cfg: cfg, stat: stat, agents: map[string]*running{}}
}

func (l *Launcher) Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	handles := []coord.WorkerHandle{}
	for i := 0; i < count; i++ {
		l.mu.Lock()
		l.counter++
		id := fmt.Sprintf("inprocess-%s-%d", sessionID, l.counter)
		l.mu.Unlock()

		cfg := l.cfg
		cfg.SessionID = sessionID
		cfg.WorkerID = id
		agent, err := worker.NewAgent(l.proto, l.exec, cfg, l.stat)
		if err != nil {
			return handles, errors.Wrapf(err, "creating agent %d of %d", i, count)
		}
		// Agents outlive the launch request.
		actx, cancel := context.WithCancel(context.Background())
		r := &running{agent: agent, cancel: cancel, done: make(chan struct{})}
		l.mu.Lock()
		l.agents[id] = r
		l.mu.Unlock()
		go func() {
			defer close(r.done)
			r.reason, r.err = agent.Run(actx)
			log.WithFields(
				log.Fields{
					"sessionID": sessionID,
					"workerID":  id,
					"reason":    r.reason,
					"err":       r.err,
				}).Debug("In-process worker finished")
		}()
		handles = append(handles, coord.WorkerHandle{Launcher: Type, ID: id, Index: spec.FirstIndex + i})
	}
	return handles, nil
}

// Stop cancels the agent and waits for it to exit.
func (l *Launcher) Stop(ctx context.Context, handle coord.WorkerHandle) error {
	l.mu.Lock()
	r, ok := l.agents[handle.ID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every agent launched so far has exited.
func (l *Launcher) Wait() {
	l.mu.Lock()
	all := make([]*running, 0, len(l.agents))
	for _, r := range l.agents {
		all = append(all, r)
	}
	l.mu.Unlock()
	for _, r := range all {
		<-r.done
	}
}

// Agent returns the agent behind handle, if it was launched here.
func (l *Launcher) Agent(handle coord.WorkerHandle) (*worker.Agent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.agents[handle.ID]
	if !ok {
		return nil, false
	}
	return r.agent, true
}

// ExitReason returns why the agent behind handle stopped, once it has.
func (l *Launcher) ExitReason(handle coord.WorkerHandle) (worker.ExitReason, bool) {
	l.mu.Lock()
	r, ok := l.agents[handle.ID]
	l.mu.Unlock()
	if !ok {
		return "", false
	}
	select {
	case <-r.done:
		return r.reason, true
	default:
		return "", false
	}
}
