package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commoncli "github.com/twitter/corral/common/client"
	"github.com/twitter/corral/common/stats"
)

// CorralCLIClient includes fields required for CLI client handling
type CorralCLIClient struct {
	commoncli.SimpleClient
}

// Exec runs the command line. An interrupt cancels the running command's context.
func (c *CorralCLIClient) Exec() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.RootCmd.ExecuteContext(ctx)
}

func NewCorralCLIClient() (commoncli.CLIClient, error) {
	c := &CorralCLIClient{}
	c.Stats = stats.NilStatsReceiver()

	c.RootCmd = &cobra.Command{
		Use:               "corral",
		Short:             "corral runs batches of independent tasks on workers coordinated through a shared store",
		PersistentPreRunE: c.Init,
		SilenceUsage:      true,
		Run:               func(*cobra.Command, []string) {},
	}
	c.RootCmd.PersistentFlags().StringVar(&c.ConfigName, "config", "local.file", "Config preset name or path to a JSON/YAML config file")
	c.RootCmd.PersistentFlags().StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	c.RootCmd.PersistentFlags().BoolVar(&c.PrintJSON, "json", false, "Print output as JSON")

	c.addCmd(&createSessionCmd{})
	c.addCmd(&submitTaskCmd{})
	c.addCmd(&sessionStatusCmd{})
	c.addCmd(&collectResultsCmd{})
	c.addCmd(&extendSessionCmd{})
	c.addCmd(&cleanupSessionCmd{})
	c.addCmd(&listSessionsCmd{})
	c.addCmd(&runWavesCmd{})

	return c, nil
}

func (c *CorralCLIClient) addCmd(cmd commoncli.Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		err := cmd.Run(&c.SimpleClient, innerCmd, args)
		if err != nil {
			log.Debugf("%s failed: %v", innerCmd.Name(), err)
		}
		return err
	}
	c.RootCmd.AddCommand(cobraCmd)
}
