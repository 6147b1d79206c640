package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/orgsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mode, _ := cmd.Flags().GetString("validate")
		if mode != "" {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		return writeConfig(os.Stdout, cfg)
	},
}

func init() {
	configCmd.Flags().String("validate", "", "also validate for a command mode (run, retry, serve, read)")
	rootCmd.AddCommand(configCmd)
}

// writeConfig encodes the redacted configuration as YAML.
func writeConfig(w io.Writer, c *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return eris.Wrap(err, "encode config")
	}
	return enc.Close()
}
