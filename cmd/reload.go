package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/daemon"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon's logging configuration",
	Long: `Send SIGHUP to the daemon named by the PID file. The daemon re-reads its
configuration file and applies the logging settings; sources and sinks are
changed through the source and sink commands instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Signal(controlPIDFile(), syscall.SIGHUP); err != nil {
			return fmt.Errorf("failed to reload: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Reload requested")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
