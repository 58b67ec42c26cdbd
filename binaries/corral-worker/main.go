package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/twitter/corral/common/endpoints"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/common/log/hooks"
	"github.com/twitter/corral/config"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/launcher"
	"github.com/twitter/corral/worker"
)

const (
	keyConfig       = "config"
	keySessionID    = "session_id"
	keyWorkerIndex  = "worker_index"
	keyWorkerID     = "worker_id"
	keyLogLevel     = "log_level"
	keyAdminAddr    = "admin_addr"
	keyIdleTimeout  = "idle_timeout"
	keyTaskDeadline = "task_deadline"
)

// envName is the CORRAL_* variable bound to a flag.
func envName(key string) string {
	return "CORRAL_" + strings.ToUpper(key)
}

// newFlags registers every flag and binds it, and its environment variable, into v.
func newFlags(v *viper.Viper) *pflag.FlagSet {
	flags := pflag.NewFlagSet("corral-worker", pflag.ContinueOnError)
	flags.String(keyConfig, "local.file", "Config preset name or path to a JSON/YAML config file")
	flags.String(keySessionID, "", "Session to work for")
	flags.Int(keyWorkerIndex, -1, "Index this worker was launched with")
	flags.String(keyWorkerID, "", "Worker id. If unset, one is generated")
	flags.String(keyLogLevel, "info", "Log everything at this level and above (error|info|debug)")
	flags.String(keyAdminAddr, "", "Serve /health and /admin/metrics.json on this address")
	flags.Duration(keyIdleTimeout, 0, "Exit after this long without a task. If unset, uses the config's Worker.IdleTimeout")
	flags.Duration(keyTaskDeadline, 0, "Deadline for each task. If unset, uses the config's Worker.TaskDeadline")

	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindEnv(f.Name, envName(f.Name))
		_ = v.BindPFlag(f.Name, f)
	})
	return flags
}

func main() {
	log.AddHook(hooks.NewContextHook())
	v := viper.New()
	flags := newFlags(v)
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Error(err)
		os.Exit(int(corralerrors.UsageFailureExitCode))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reason, err := run(ctx, v)
	if err != nil {
		log.Error("corral-worker failed: ", err)
		os.Exit(int(corralerrors.ExitCodeOf(err)))
	}
	log.Infof("corral-worker exited: %s", reason)
}

// run builds an agent from v and runs it until it exits. Every exit reason is
// a normal termination; only setup failures are errors.
func run(ctx context.Context, v *viper.Viper) (worker.ExitReason, error) {
	level, err := log.ParseLevel(v.GetString(keyLogLevel))
	if err != nil {
		return "", corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}
	log.SetLevel(level)

	sessionID := v.GetString(keySessionID)
	if sessionID == "" {
		return "", corralerrors.NewError(errors.Errorf("no session: set --%s or %s", keySessionID, launcher.EnvSessionID), corralerrors.UsageFailureExitCode)
	}
	cfg, err := config.Load(v.GetString(keyConfig))
	if err != nil {
		return "", corralerrors.NewError(err, corralerrors.ConfigFailureExitCode)
	}
	if d := v.GetDuration(keyIdleTimeout); d > 0 {
		cfg.Worker.IdleTimeout = config.Duration(d)
	}
	if d := v.GetDuration(keyTaskDeadline); d > 0 {
		cfg.Worker.TaskDeadline = config.Duration(d)
	}

	stat := endpoints.MakeStatsReceiver("corral-worker")
	if addr := v.GetString(keyAdminAddr); addr != "" {
		admin := endpoints.NewAdminServer(addr, stat)
		go func() {
			if err := admin.Serve(); err != nil {
				log.Warnf("Admin server on %s stopped: %v", addr, err)
			}
		}()
	}

	store, err := cfg.Store.MakeStore(ctx, stat)
	if err != nil {
		return "", corralerrors.NewError(err, corralerrors.StoreUnavailableExitCode)
	}
	proto := coord.NewProtocol(store, nil, nil)
	agent, err := worker.NewAgent(proto, executor.NewCommandExecutor(), cfg.Worker.AgentConfig(sessionID, v.GetString(keyWorkerID)), stat)
	if err != nil {
		return "", corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}
	log.WithFields(
		log.Fields{
			"sessionID":   sessionID,
			"workerID":    agent.ID(),
			"workerIndex": v.GetInt(keyWorkerIndex),
		}).Info("Starting corral-worker")
	return agent.Run(ctx)
}
