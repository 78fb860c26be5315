package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/config"
)

// sourceCmd represents the source command group
var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage capture sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add INTERFACE",
	Short: "Open a capture source",
	Long: `Open a capture source on the running daemon and add it to the merge.

Examples:
  capmux source add eth1
  capmux source add --driver file --name replay /tmp/in.pcapng`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := sourceAddFlags
		sc.Interface = args[0]
		return runSourceAdd(cmd.Context(), client(), sc, cmd.OutOrStdout())
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Stop a capture source",
	Long:  `Stop a capture source. Frames it already captured still reach the sinks.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSourceRemove(cmd.Context(), client(), args[0], cmd.OutOrStdout())
	},
}

var sourceAddFlags config.SourceConfig

func init() {
	f := sourceAddCmd.Flags()
	f.StringVar(&sourceAddFlags.Name, "name", "", "source name (default: the interface)")
	f.StringVar(&sourceAddFlags.Driver, "driver", "", "capture driver: ethernet, afpacket, pcap or file")
	f.IntVar(&sourceAddFlags.Priority, "priority", 0, "merge priority for equal timestamps")
	f.IntVar(&sourceAddFlags.SnapLen, "snaplen", 0, "snapshot length")
	f.BoolVar(&sourceAddFlags.Promiscuous, "promisc", false, "enable promiscuous mode")
	f.StringVar(&sourceAddFlags.Filter, "filter", "", "pcap-filter expression applied in the driver")

	sourceCmd.AddCommand(sourceAddCmd, sourceRemoveCmd)
	rootCmd.AddCommand(sourceCmd)
}

func runSourceAdd(ctx context.Context, c ControlClient, sc config.SourceConfig, out io.Writer) error {
	if err := c.SourceAdd(ctx, sc); err != nil {
		return fmt.Errorf("failed to add source %s: %w", sc.Interface, err)
	}
	name := sc.Name
	if name == "" {
		name = sc.Interface
	}
	fmt.Fprintf(out, "✓ Source %s added\n", name)
	return nil
}

func runSourceRemove(ctx context.Context, c ControlClient, name string, out io.Writer) error {
	if err := c.SourceRemove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove source %s: %w", name, err)
	}
	fmt.Fprintf(out, "✓ Source %s removed\n", name)
	return nil
}
