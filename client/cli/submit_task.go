package cli

/**
implements the command line entry for the submit task command
*/

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/executor"
)

type submitTaskCmd struct {
	payload     string
	payloadFile string
	dir         string
	env         map[string]string
}

func (c *submitTaskCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "submit-task SESSION_ID [-- ARGV...]",
		Short: "Submit one task to a session",
		Long: "Submit one task. The payload is --payload, the contents of --payload_file, or " +
			"a command built from the arguments after the session id, run by the worker's command executor.",
		Args: cobra.MinimumNArgs(1),
	}
	r.Flags().StringVar(&c.payload, "payload", "", "Raw task payload")
	r.Flags().StringVar(&c.payloadFile, "payload_file", "", "File holding the raw task payload")
	r.Flags().StringVar(&c.dir, "dir", "", "Working directory for a command payload")
	r.Flags().StringToStringVar(&c.env, "cmd_env", nil, "Environment for a command payload, KEY=VALUE")
	return r
}

func (c *submitTaskCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	sessionID, argv := args[0], args[1:]
	payload, err := c.makePayload(argv)
	if err != nil {
		return corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}

	m, err := cl.Attach(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	taskID, err := m.Submit(cmd.Context(), payload)
	if err != nil {
		return client.ReturnError(err)
	}
	log.Infof("Submitted task %s to session %s", taskID, sessionID)
	return cl.Print(cmd.OutOrStdout(), map[string]string{"sessionId": sessionID, "taskId": taskID}, taskID)
}

func (c *submitTaskCmd) makePayload(argv []string) ([]byte, error) {
	given := 0
	for _, set := range []bool{c.payload != "", c.payloadFile != "", len(argv) > 0} {
		if set {
			given++
		}
	}
	if given != 1 {
		return nil, fmt.Errorf("exactly one of --payload, --payload_file or a command must be provided")
	}
	switch {
	case c.payload != "":
		return []byte(c.payload), nil
	case c.payloadFile != "":
		return os.ReadFile(c.payloadFile)
	default:
		return executor.EncodeCommand(executor.Command{Argv: argv, Env: c.env, Dir: c.dir})
	}
}
