package cli

/**
implements the command line entry for the session status command
*/

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
)

type sessionStatusCmd struct{}

func (c *sessionStatusCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "session-status SESSION_ID",
		Short: "Print task counts for a session",
	}
}

func (c *sessionStatusCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	sessionID, err := sessionArg(args)
	if err != nil {
		return err
	}
	log.Info("Checking Status for session ", sessionID)

	m, err := cl.Attach(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	status, err := m.Status(cmd.Context())
	if err != nil {
		return client.ReturnError(err)
	}
	return cl.Print(cmd.OutOrStdout(), status, status.String())
}
