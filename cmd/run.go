package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture pipeline in foreground",
	Long: `Run the capmux daemon in foreground.

The daemon will:
  1. Load and validate the configuration file
  2. Initialize logging and metrics
  3. Build the pipeline: attach sinks, open sources, start auxiliary feeds
  4. Serve the control socket for status and runtime changes
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command) error {
	d, err := daemon.New(configFile, flagValue(cmd, "socket"), flagValue(cmd, "pidfile"))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Run main loop (blocks until shutdown)
	return d.Run()
}

// flagValue returns a persistent flag's value only when it was set on the
// command line, so the configuration file decides otherwise.
func flagValue(cmd *cobra.Command, name string) string {
	f := cmd.Flag(name)
	if f == nil || !f.Changed {
		return ""
	}
	return f.Value.String()
}
