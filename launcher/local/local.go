// Package local launches workers as child processes on this machine.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/launcher"
)

const Type = "local"

// DefaultCommand is run when the worker spec carries no command.
var DefaultCommand = []string{"corral-worker"}

// Launcher starts each worker as its own process group so Stop can take down
// anything the worker spawned. Handles carry the pid, so a different process
// that reattached to the session can still stop them.
type Launcher struct {
	// Worker output goes to {LogDir}/{session}-{index}.log. Empty discards it.
	LogDir    string
	KillGrace time.Duration

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewLauncher(logDir string) *Launcher {
	return &Launcher{LogDir: logDir, KillGrace: 5 * time.Second, procs: map[int]*exec.Cmd{}}
}

func (l *Launcher) Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	argv := spec.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	handles := []coord.WorkerHandle{}
	for i := 0; i < count; i++ {
		h, err := l.start(sessionID, spec.FirstIndex+i, argv, spec)
		if err != nil {
			return handles, errors.Wrapf(err, "starting worker %d of %d", i, count)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (l *Launcher) start(sessionID string, index int, argv []string, spec coord.WorkerSpec) (coord.WorkerHandle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), launcher.EnvList(launcher.WorkerEnv(sessionID, index, spec))...)
	// Sets pgid of all child processes to cmd's pid
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0755); err != nil {
			return coord.WorkerHandle{}, err
		}
		f, err := os.OpenFile(filepath.Join(l.LogDir, fmt.Sprintf("%s-%d.log", sessionID, index)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return coord.WorkerHandle{}, err
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return coord.WorkerHandle{}, err
	}
	pid := cmd.Process.Pid
	l.mu.Lock()
	l.procs[pid] = cmd
	l.mu.Unlock()

	// reap the child so it does not linger as a zombie
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		l.mu.Lock()
		delete(l.procs, pid)
		l.mu.Unlock()
		log.WithFields(
			log.Fields{
				"sessionID": sessionID,
				"index":     index,
				"pid":       pid,
				"err":       err,
			}).Info("Local worker exited")
	}()

	log.WithFields(
		log.Fields{
			"sessionID": sessionID,
			"index":     index,
			"pid":       pid,
			"argv":      argv,
		}).Info("Started local worker")
	return coord.WorkerHandle{Launcher: Type, ID: strconv.Itoa(pid), Index: index}, nil
}

// Stop sends SIGTERM to the worker's process group and SIGKILL after the
// grace period if the group leader is still there.
func (l *Launcher) Stop(ctx context.Context, handle coord.WorkerHandle) error {
	pid, err := strconv.Atoi(handle.ID)
	if err != nil || pid <= 1 {
		return errors.Errorf("invalid local worker handle %q", handle.ID)
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "terminating worker %d", pid)
	}

	deadline := time.NewTimer(l.KillGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
				return errors.Wrapf(err, "killing worker %d", pid)
			}
			return nil
		case <-tick.C:
			if !l.alive(pid) {
				return nil
			}
		}
	}
}

// alive reports whether pid is still running. For our own children it waits
// for the reaper; for anyone else's it probes with signal 0.
func (l *Launcher) alive(pid int) bool {
	l.mu.Lock()
	_, ours := l.procs[pid]
	l.mu.Unlock()
	if ours {
		return true
	}
	return unix.Kill(pid, 0) == nil
}
