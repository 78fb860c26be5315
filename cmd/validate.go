package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/capmux/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting anything.

With --print the effective settings, defaults and CAPMUX_* environment
overrides included, are printed as YAML.

Examples:
  capmux validate -c /etc/capmux/config.yml
  capmux validate -c config.yml --print`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validatePrint, cmd.OutOrStdout())
	},
}

var validatePrint bool

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false,
		"print the effective settings as YAML")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(path string, print bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	if print {
		settings, err := config.Settings(path)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		return enc.Close()
	}

	fmt.Fprintf(out, "VALID: %d source(s), %d sink(s), ordering policy %s\n",
		len(cfg.Sources), len(cfg.Sinks), cfg.Merge.OrderingPolicy)
	return nil
}
