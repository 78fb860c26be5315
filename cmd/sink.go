package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// sinkCmd represents the sink command group
var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Manage attached sinks",
}

var sinkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached sinks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinkList(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

var sinkDetachCmd = &cobra.Command{
	Use:   "detach NAME",
	Short: "Detach a sink",
	Long:  `Detach a sink. Records still queued for it are discarded.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSinkDetach(cmd.Context(), client(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	sinkCmd.AddCommand(sinkListCmd, sinkDetachCmd)
	rootCmd.AddCommand(sinkCmd)
}

func runSinkList(ctx context.Context, c ControlClient, out io.Writer) error {
	infos, err := c.SinkList(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sinks: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sinks attached.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tQUEUED\tCAPACITY\tPOLICY\tWRITTEN\tDROPPED\tERRORS")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%d\t%d\n",
			s.Name, s.Queued, s.Capacity, s.Policy, s.Written, s.Dropped, s.Errors)
	}
	return tw.Flush()
}

func runSinkDetach(ctx context.Context, c ControlClient, name string, out io.Writer) error {
	if err := c.SinkDetach(ctx, name); err != nil {
		return fmt.Errorf("failed to detach sink %s: %w", name, err)
	}
	fmt.Fprintf(out, "✓ Sink %s detached\n", name)
	return nil
}
