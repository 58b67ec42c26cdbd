package cli

/**
implements the command line entry for the extend session command
*/

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	corralerrors "github.com/twitter/corral/common/errors"
)

type extendSessionCmd struct {
	by time.Duration
}

func (c *extendSessionCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "extend-session SESSION_ID",
		Short: "Push a session's expiry further out",
	}
	r.Flags().DurationVar(&c.by, "by", time.Hour, "How much longer the session should live")
	return r
}

func (c *extendSessionCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	sessionID, err := sessionArg(args)
	if err != nil {
		return err
	}
	if c.by <= 0 {
		return corralerrors.NewError(fmt.Errorf("--by must be positive, got %s", c.by), corralerrors.UsageFailureExitCode)
	}
	m, err := cl.Attach(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	mf, err := m.Extend(cmd.Context(), c.by)
	if err != nil {
		return client.ReturnError(err)
	}
	log.Infof("Session %s now expires at %s", sessionID, mf.ExpiresAt)
	return cl.Print(cmd.OutOrStdout(), mf, mf.ExpiresAt.Format(time.RFC3339))
}
