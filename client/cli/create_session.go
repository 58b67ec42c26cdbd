package cli

/**
implements the command line entry for the create session command
*/

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/launcher"
	"github.com/twitter/corral/session"
)

type createSessionCmd struct {
	workers       int
	timeout       time.Duration
	launcher      string
	image         string
	workerCommand []string
	env           map[string]string
}

func (c *createSessionCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "create-session",
		Short: "Create a session and launch its workers",
		Args:  cobra.NoArgs,
	}
	r.Flags().IntVar(&c.workers, "workers", -1, "Workers to launch. If unset, uses the config's Session.Workers")
	r.Flags().DurationVar(&c.timeout, "timeout", 0, "Session lifetime. If unset, uses the config's Session.Timeout")
	r.Flags().StringVar(&c.launcher, "launcher", "", "Launcher to start workers with. If unset, uses the config's Launcher.Type")
	r.Flags().StringVar(&c.image, "image", "", "Worker image (docker) or AMI (ec2)")
	r.Flags().StringSliceVar(&c.workerCommand, "worker_command", nil, "Worker command for process launchers")
	r.Flags().StringToStringVar(&c.env, "env", nil, "Extra worker environment, KEY=VALUE")
	return r
}

func (c *createSessionCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	cfg := session.Config{
		Workers:  c.workers,
		Timeout:  c.timeout,
		Launcher: c.launcher,
		Spec:     cl.Config.Launcher.WorkerSpec(),
	}
	if cfg.Workers < 0 {
		cfg.Workers = cl.Config.Session.Workers
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = cl.Config.Session.Timeout.D()
	}
	if cfg.Launcher == "" {
		cfg.Launcher = cl.Config.Launcher.Type
	}
	if c.image != "" {
		cfg.Spec.Image = c.image
	}
	if len(c.workerCommand) > 0 {
		cfg.Spec.Command = c.workerCommand
	}
	cfg.Spec.Env = map[string]string{launcher.EnvConfig: workerConfigName(cl.ConfigName)}
	for k, v := range c.env {
		cfg.Spec.Env[k] = v
	}

	log.Infof("Creating session with %d workers", cfg.Workers)
	m, err := session.Create(cmd.Context(), cl.Deps, cfg)
	if err != nil {
		var le *session.LaunchError
		if errors.As(err, &le) {
			return corralerrors.NewError(err, corralerrors.LaunchFailureExitCode)
		}
		return client.ReturnError(err)
	}
	mf, err := m.Manifest(cmd.Context())
	if err != nil {
		return client.ReturnError(err)
	}
	return cl.Print(cmd.OutOrStdout(), mf, m.ID())
}

// workerConfigName makes a config file path absolute so workers started in
// another directory load the same file.
func workerConfigName(name string) string {
	if _, err := os.Stat(name); err != nil {
		return name
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return name
	}
	return abs
}

func sessionArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", corralerrors.NewError(fmt.Errorf("a session id must be provided"), corralerrors.UsageFailureExitCode)
	}
	return args[0], nil
}
