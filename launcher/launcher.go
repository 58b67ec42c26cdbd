//go:generate mockgen -source=launcher.go -package=launcher -destination=launcher_mock.go

// Package launcher starts and stops the worker processes of a session. The
// coordination layer never depends on how workers are started: a launcher
// only has to get an agent for the session running somewhere with access to
// the same store.
package launcher

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/twitter/corral/coord"
)

// Launcher provisions workers for a session.
type Launcher interface {
	// Launch starts count workers for sessionID and returns a handle per
	// worker that was started. On error the returned handles are the ones that
	// did start and still need stopping.
	Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error)

	// Stop terminates one worker. Stopping a worker that is already gone is
	// not an error.
	Stop(ctx context.Context, handle coord.WorkerHandle) error
}

// Environment variables every launcher sets for the worker it starts.
const (
	EnvSessionID   = "CORRAL_SESSION_ID"
	EnvWorkerIndex = "CORRAL_WORKER_INDEX"
)

// EnvConfig names the config preset or file a worker should load. Clients put
// it in WorkerSpec.Env so workers reach the same store.
const EnvConfig = "CORRAL_CONFIG"

// WorkerEnv returns spec.Env plus the variables that tell a worker which
// session it belongs to.
func WorkerEnv(sessionID string, index int, spec coord.WorkerSpec) map[string]string {
	env := make(map[string]string, len(spec.Env)+2)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[EnvSessionID] = sessionID
	env[EnvWorkerIndex] = strconv.Itoa(index)
	return env
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Factory builds a launcher.
type Factory func() (Launcher, error)

// Registry maps launcher type names to factories so a manager that reattached
// to a session can rebuild the launcher named in its manifest.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	built     map[string]Launcher
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}, built: map[string]Launcher{}}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.built, name)
}

// Get returns the launcher for name, building it on first use.
func (r *Registry) Get(name string) (Launcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.built[name]; ok {
		return l, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, errors.Errorf("unknown launcher type %q, registered: %v", name, r.namesLocked())
	}
	l, err := f()
	if err != nil {
		return nil, errors.Wrapf(err, "building launcher %q", name)
	}
	r.built[name] = l
	return l, nil
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Noop launches nothing. It is for sessions whose workers are started by
// some other means.
type Noop struct{}

func (Noop) Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	return nil, nil
}

func (Noop) Stop(ctx context.Context, handle coord.WorkerHandle) error { return nil }
