package cli

/**
implements the command line entry for the list sessions command
*/

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	"github.com/twitter/corral/session"
)

type listSessionsCmd struct{}

func (c *listSessionsCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "list-sessions",
		Short: "List every session in the store",
		Args:  cobra.NoArgs,
	}
}

func (c *listSessionsCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	summaries, err := session.List(cmd.Context(), cl.Deps)
	if err != nil {
		return client.ReturnError(err)
	}
	lines := []string{}
	for _, s := range summaries {
		state := "open"
		switch {
		case s.Terminated:
			state = "terminated"
		case s.Expired:
			state = "expired"
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\texpires %s\tsubmitted %d\tlaunched %d (%s)",
			s.SessionID, state, s.ExpiresAt.Format(time.RFC3339), s.Submitted, s.Launched, s.Launcher))
	}
	return cl.Print(cmd.OutOrStdout(), summaries, strings.Join(lines, "\n"))
}
