package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/jsusurcia/pryGobierno-sub000/config"
	"github.com/jsusurcia/pryGobierno-sub000/pkg/logger"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "signflow",
		Short: "Sequential multi-party contract signing service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is normal outside development
			if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the yaml config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// loadConfig reads the config file and initializes the global logger from it.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully", "path", opts.ConfigPath)
	return cfg, nil
}
