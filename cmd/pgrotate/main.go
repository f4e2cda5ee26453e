package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/pgrotate/cmd/pgrotate/commands"
	"github.com/systmms/pgrotate/internal/config"
	"github.com/systmms/pgrotate/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "pgrotate",
		Short: "Rotate a PostgreSQL credential stored in Secrets Manager",
		Long: `pgrotate runs the single-user rotation scheme for an RDS PostgreSQL
credential: the role's own password is changed in place, immediately
invalidating the prior password.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configFile)
			if err != nil {
				return err
			}
			*cfg = *loaded
			cfg.Logger = logging.New(debug, noColor)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "pgrotate.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewRotateCommand(cfg),
	)

	return rootCmd.Execute()
}
