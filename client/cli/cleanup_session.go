package cli

/**
implements the command line entry for the cleanup session command
*/

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
)

type cleanupSessionCmd struct {
	keepWorkers bool
	deleteData  bool
}

func (c *cleanupSessionCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "cleanup-session SESSION_ID",
		Short: "Terminate a session, stop its workers and optionally delete its data",
	}
	r.Flags().BoolVar(&c.keepWorkers, "keep_workers", false, "Mark terminated but leave workers to exit on their own")
	r.Flags().BoolVar(&c.deleteData, "delete", false, "Delete every record of the session from the store")
	return r
}

func (c *cleanupSessionCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	sessionID, err := sessionArg(args)
	if err != nil {
		return err
	}
	m, err := cl.Attach(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	if err := m.Cleanup(cmd.Context(), !c.keepWorkers, c.deleteData); err != nil {
		return client.ReturnError(err)
	}
	log.Infof("Session %s cleaned up", sessionID)
	return nil
}
