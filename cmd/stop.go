package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the capmux daemon",
	Long: `Stop the capmux daemon gracefully.

The shutdown request goes through the control socket; when the socket does
not answer, SIGTERM is sent to the PID in the PID file. The daemon closes its
sources, lets the sinks drain and exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := daemon.StopDaemon(ctx, controlSocket(), controlPIDFile()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Daemon stopped")
		return nil
	},
}

var stopTimeout time.Duration

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait for the daemon to exit")
	rootCmd.AddCommand(stopCmd)
}
