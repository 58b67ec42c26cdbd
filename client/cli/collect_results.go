package cli

/**
implements the command line entry for the collect results command
*/

import (
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/twitter/corral/common/client"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/session"
)

type collectResultsCmd struct {
	wait    bool
	timeout time.Duration
}

func (c *collectResultsCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "collect-results SESSION_ID",
		Short: "Print the results of every finished task",
	}
	r.Flags().BoolVar(&c.wait, "wait", false, "Wait until every task is finished")
	r.Flags().DurationVar(&c.timeout, "timeout", 0, "Give up waiting after this long and print what finished. 0 waits forever")
	return r
}

// resultView is a session.Result with the value printed as text.
type resultView struct {
	TaskID string           `json:"taskId"`
	Value  string           `json:"value,omitempty"`
	Err    *coord.TaskError `json:"error,omitempty"`
}

func (c *collectResultsCmd) Run(cl *client.SimpleClient, cmd *cobra.Command, args []string) error {
	sessionID, err := sessionArg(args)
	if err != nil {
		return err
	}
	m, err := cl.Attach(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	results, err := m.Collect(cmd.Context(), c.wait, c.timeout)
	if err != nil {
		return client.ReturnError(err)
	}

	views := sortedResults(results)
	if err := cl.Print(cmd.OutOrStdout(), views, resultsText(views)); err != nil {
		return err
	}

	if !c.wait {
		return nil
	}
	status, err := m.Status(cmd.Context())
	if err != nil {
		return client.ReturnError(err)
	}
	if !status.Done() && !status.Expired {
		log.Warnf("Collect timed out with %d of %d tasks finished", status.Completed+status.Failed, status.Total)
		return corralerrors.NewError(fmt.Errorf("timed out after %s waiting for session %s", c.timeout, sessionID), corralerrors.CollectTimeoutExitCode)
	}
	return nil
}

func sortedResults(results map[string]session.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for id, r := range results {
		views = append(views, resultView{TaskID: id, Value: string(r.Value), Err: r.Err})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TaskID < views[j].TaskID })
	return views
}

func resultsText(views []resultView) string {
	lines := make([]string, 0, len(views))
	for _, v := range views {
		if v.Err != nil {
			lines = append(lines, fmt.Sprintf("%s\tfailed\t%s", v.TaskID, v.Err))
		} else {
			lines = append(lines, fmt.Sprintf("%s\tok\t%s", v.TaskID, strings.TrimRight(v.Value, "\n")))
		}
	}
	return strings.Join(lines, "\n")
}
