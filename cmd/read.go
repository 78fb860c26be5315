package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink/console"
)

const readBatch = 64

var readCmd = &cobra.Command{
	Use:   "read FILE",
	Short: "Print the records of a pcapng file",
	Long: `Read a pcapng file, such as one written by the file or pipe sink, and
print one line per record: frames, decryption secrets and tracepoints.

Use "-" to read from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRead(cmd.Context(), args[0], readFormat, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var readFormat string

func init() {
	readCmd.Flags().StringVar(&readFormat, "format", "text", "output format: text or json")
	rootCmd.AddCommand(readCmd)
}

func runRead(ctx context.Context, path, format string, stdin io.Reader, out io.Writer) error {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	printer, err := console.New("read", out, format)
	if err != nil {
		return err
	}
	defer printer.Close()

	r, err := pcapng.NewReader(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	batch := make([]core.Record, 0, readBatch)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		batch = append(batch, rec)
		if len(batch) == readBatch {
			if err := printer.Append(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	return printer.Append(ctx, batch)
}
