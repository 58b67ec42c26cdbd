package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Command is the payload understood by CommandExecutor.
type Command struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

func (c Command) String() string {
	return fmt.Sprintf("Command: Argv: %q, Dir: %s, Env: %v", c.Argv, c.Dir, c.Env)
}

// EncodeCommand returns the payload bytes for c.
func EncodeCommand(c Command) ([]byte, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("No command specified.")
	}
	return json.Marshal(c)
}

// DefaultStderrTail is how many trailing bytes of stderr a failure carries.
const DefaultStderrTail = 4096

// DefaultKillGrace is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultKillGrace = 5 * time.Second

// CommandExecutor runs Command payloads as child processes. Stdout is the
// result. A non-zero exit fails with the tail of stderr.
type CommandExecutor struct {
	StderrTail int
	KillGrace  time.Duration
}

func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{StderrTail: DefaultStderrTail, KillGrace: DefaultKillGrace}
}

// ExitError is returned when the command ran but exited non-zero.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Stderr)
}

func (e *CommandExecutor) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrap(err, "decoding command payload")
	}
	if len(c.Argv) == 0 {
		return nil, errors.New("No command specified.")
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	// Use the parent environment plus whatever additional env vars are provided.
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Sets pgid of all child processes to cmd's pid
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", c.Argv[0])
	}
	pid := cmd.Process.Pid
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		e.killGroup(pid, done)
		return nil, errors.Wrapf(ctx.Err(), "command %s aborted", c.Argv[0])
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.Bytes(), e.tailSize())}
		}
		return nil, errors.Wrapf(err, "waiting for %s", c.Argv[0])
	}
	return stdout.Bytes(), nil
}

// killGroup sends SIGTERM to the process group, then SIGKILL to whatever is
// left once the leader exits or the grace period passes. It returns after the
// leader has been reaped.
func (e *CommandExecutor) killGroup(pid int, done <-chan error) {
	log.WithFields(
		log.Fields{
			"pid": pid,
		}).Info("Aborting process group")
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		log.WithFields(
			log.Fields{
				"pid":   pid,
				"error": err,
			}).Debug("Error sending SIGTERM to process group")
	}
	grace := e.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	reaped := false
	select {
	case <-done:
		reaped = true
	case <-timer.C:
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		log.WithFields(
			log.Fields{
				"pid":   pid,
				"error": err,
			}).Error("Error sending SIGKILL to process group")
	}
	if !reaped {
		<-done
	}
}

func (e *CommandExecutor) tailSize() int {
	if e.StderrTail <= 0 {
		return DefaultStderrTail
	}
	return e.StderrTail
}

func tail(b []byte, n int) string {
	b = bytes.TrimRight(b, "\n")
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
