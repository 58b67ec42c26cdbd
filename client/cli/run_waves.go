package cli

/**
implements the command line entry for the run waves command
*/

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/launcher"
	"github.com/twitter/corral/session"
	"github.com/twitter/corral/wave"
)

const (
	executorRunner = "executor"
	sessionRunner  = "session"
)

type runWavesCmd struct {
	file        string
	runner      string
	class       string
	minPerWave  int
	waveTimeout time.Duration
	keepSession bool
}

func (c *runWavesCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run-waves",
		Short: "Run a file of commands in waves sized by the available quota",
		Long: "Run every command in --file, one per line. A line is either a JSON command " +
			`({"argv": [...], "env": {...}, "dir": "..."}) or whitespace separated arguments. ` +
			"Waves are as large as the quota oracle allows and run one after another.",
		Args: cobra.NoArgs,
	}
	r.Flags().StringVar(&c.file, "file", "", "File of commands, one per line")
	r.Flags().StringVar(&c.runner, "runner", executorRunner, "Where items run: 'executor' runs them in this process, 'session' launches a worker per item")
	r.Flags().StringVar(&c.class, "class", "", "Quota class. If unset, uses the config's Wave.Class")
	r.Flags().IntVar(&c.minPerWave, "min_per_wave", 0, "Wave size when quota is unknown. If unset, uses the config's Wave.MinPerWave")
	r.Flags().DurationVar(&c.waveTimeout, "wave_timeout", 0, "Longest a session wave may take. If unset, uses the config's Wave.WaveTimeout")
	r.Flags().BoolVar(&c.keepSession, "keep_session", false, "Leave the session's data in the store after a session run")
	return r
}

// outcomeView is a wave.Outcome as printed.
type outcomeView struct {
	Index int    `json:"index"`
	Wave  int    `json:"wave"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func (c *runWavesCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	if c.file == "" {
		return corralerrors.NewError(fmt.Errorf("--file must be provided"), corralerrors.UsageFailureExitCode)
	}
	payloads, err := readCommands(c.file)
	if err != nil {
		return corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}
	wc := cl.Config.Wave
	if c.class != "" {
		wc.Class = c.class
	}
	if c.minPerWave > 0 {
		wc.MinPerWave = c.minPerWave
	}
	waveTimeout := wc.WaveTimeout.D()
	if c.waveTimeout > 0 {
		waveTimeout = c.waveTimeout
	}

	oracle, err := cl.Config.Quota.MakeOracle()
	if err != nil {
		return corralerrors.NewError(err, corralerrors.QuotaFailureExitCode)
	}

	ctx := cmd.Context()
	var runner wave.Runner
	switch c.runner {
	case executorRunner:
		runner = &wave.ExecutorRunner{Exec: executor.NewCommandExecutor()}
	case sessionRunner:
		m, err := c.createSession(ctx, cl, len(payloads))
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Cleanup(context.WithoutCancel(ctx), true, !c.keepSession); err != nil {
				log.Warnf("Error cleaning up session %s: %v", m.ID(), err)
			}
		}()
		runner = &wave.LauncherRunner{Session: m, WaveTimeout: waveTimeout}
	default:
		return corralerrors.NewError(fmt.Errorf("unknown runner %q", c.runner), corralerrors.UsageFailureExitCode)
	}

	s := wave.NewScheduler(oracle, runner, wc.Class, wc.MinPerWave, nil, cl.Stats)
	outcomes, runErr := s.Run(ctx, payloads)
	s.WaitRequests()

	views := make([]outcomeView, len(outcomes))
	lines := make([]string, len(outcomes))
	failed := 0
	for i, o := range outcomes {
		views[i] = outcomeView{Index: o.Index, Wave: o.Wave, Value: string(o.Value)}
		if o.Err != nil {
			failed++
			views[i].Error = o.Err.Error()
			lines[i] = fmt.Sprintf("%d\t%d\tfailed\t%s", o.Index, o.Wave, o.Err)
		} else {
			lines[i] = fmt.Sprintf("%d\t%d\tok\t%s", o.Index, o.Wave, strings.TrimRight(string(o.Value), "\n"))
		}
	}
	if err := cl.Print(cmd.OutOrStdout(), views, strings.Join(lines, "\n")); err != nil {
		return err
	}
	log.Infof("Ran %d items, %d failed: %s", len(outcomes), failed, s.Plan())
	return runErr
}

func (c *runWavesCmd) createSession(ctx context.Context, cl *client.SimpleClient, items int) (*session.Manager, error) {
	spec := cl.Config.Launcher.WorkerSpec()
	spec.Env = map[string]string{launcher.EnvConfig: workerConfigName(cl.ConfigName)}
	m, err := session.Create(ctx, cl.Deps, session.Config{
		Workers:  0,
		Timeout:  cl.Config.Session.Timeout.D(),
		Launcher: cl.Config.Launcher.Type,
		Spec:     spec,
	})
	if err != nil {
		return nil, client.ReturnError(err)
	}
	log.Infof("Running %d items through session %s", items, m.ID())
	return m, nil
}

// readCommands returns one encoded executor.Command per non-empty line of path.
func readCommands(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payloads := [][]byte{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var payload []byte
		if strings.HasPrefix(line, "{") {
			var c executor.Command
			if err := json.Unmarshal([]byte(line), &c); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, n)
			}
			payload, err = executor.EncodeCommand(c)
		} else {
			payload, err = executor.EncodeCommand(executor.Command{Argv: strings.Fields(line)})
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, n)
		}
		payloads = append(payloads, payload)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return payloads, nil
}
