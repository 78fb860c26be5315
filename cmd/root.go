// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capmux",
	Short: "capmux - capture multiplexer",
	Long: `capmux captures frames from several interfaces at once, merges them into
one timestamp-ordered stream, filters it and fans it out to any number of
sinks: pcapng files, named pipes, socket listeners, Kafka or the console.

Auxiliary feeds add TLS/WireGuard key material and tracepoint events to the
same stream, so one pcapng output carries everything a decoder needs.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/capmux/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/capmux.sock",
		"daemon control socket path")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "/var/run/capmux.pid",
		"daemon PID file path")
}
