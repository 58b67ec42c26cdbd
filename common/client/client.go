package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/config"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/session"
	"github.com/twitter/corral/statestore"
)

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// SimpleClient includes base fields required for implementing client
type SimpleClient struct {
	RootCmd    *cobra.Command
	ConfigName string
	LogLevel   string
	PrintJSON  bool

	Config *config.ServiceConfig
	Store  statestore.Store
	Proto  *coord.Protocol
	Deps   session.Deps
	Stats  stats.StatsReceiver
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}

// Init parses the log level, loads the config and opens the store. Can only
// be called from a cobra command run or hook.
func (c *SimpleClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Error(err)
		return corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}
	log.SetLevel(level)

	c.Config, err = config.Load(c.ConfigName)
	if err != nil {
		return corralerrors.NewError(err, corralerrors.ConfigFailureExitCode)
	}
	if c.Stats == nil {
		c.Stats = stats.NilStatsReceiver()
	}
	c.Store, err = c.Config.Store.MakeStore(cmd.Context(), c.Stats)
	if err != nil {
		return corralerrors.NewError(err, corralerrors.ConfigFailureExitCode)
	}
	c.Proto = coord.NewProtocol(c.Store, nil, nil)
	launchers := c.Config.Launcher.MakeLaunchers(c.Proto, executor.NewCommandExecutor(), c.Config.Worker, c.Stats)
	c.Deps = c.Config.Session.SessionDeps(c.Proto, launchers, c.Stats)
	return nil
}

// Attach returns a manager for an existing session.
func (c *SimpleClient) Attach(ctx context.Context, sessionID string) (*session.Manager, error) {
	m, err := session.Attach(ctx, c.Deps, sessionID)
	return m, ReturnError(err)
}

// Print writes v to out as JSON when --json was given and text otherwise.
func (c *SimpleClient) Print(out io.Writer, v interface{}, text string) error {
	if !c.PrintJSON {
		_, err := fmt.Fprintln(out, text)
		return err
	}
	asJson, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("Error converting to JSON: %v", err.Error())
	}
	_, err = fmt.Fprintf(out, "%s\n", asJson)
	return err
}

// ReturnError attaches the exit code a binary should use for err.
func ReturnError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coord.ErrSessionNotFound):
		return corralerrors.NewError(err, corralerrors.SessionNotFoundExitCode)
	case errors.Is(err, coord.ErrSessionExpired):
		return corralerrors.NewError(err, corralerrors.SessionExpiredExitCode)
	case errors.Is(err, coord.ErrSessionTerminated):
		return corralerrors.NewError(err, corralerrors.SessionTerminatedExitCode)
	case statestore.IsUnavailable(err):
		return corralerrors.NewError(err, corralerrors.StoreUnavailableExitCode)
	default:
		return err
	}
}
