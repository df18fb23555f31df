package main

import (
	"github.com/spf13/cobra"
)

// configCmd prints the merged configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration ho would run with, as YAML: defaults, then the
--config file, then HO_* environment variables, then --db and --debug.

The output is a valid --config file. The Redis password is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		if cfg.Queue.Redis.Password != "" {
			cfg.Queue.Redis.Password = "******"
		}

		data, err := cfg.Serialize()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
