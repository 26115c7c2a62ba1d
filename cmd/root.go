// Package cmd defines and implements the CLI commands for the archiver
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/app"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/config"
)

var cfgFile string

// appKeyType is the context key under which the App is stored for
// subcommands.
type appKeyType struct{}

// newRootCmd creates and configures the root command. The application
// container is built after config parsing and injected into the command
// context, so every subcommand shares the same services.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anyland-archive",
		Short: "Discovers and archives downloadable areas from the remote service.",
		Long: `anyland-archive crawls the remote area service: given search terms or
explicit seeds it discovers areas, expands them into their sub-areas, and
downloads each exactly once, keeping a durable record of every success and
failure.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKeyType{}).(*app.App); ok && a != nil {
				a.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newSeedCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveApp pulls the App container out of the command context.
func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKeyType{}).(*app.App)
	if !ok || a == nil {
		return nil, fmt.Errorf("application services are not initialized")
	}
	return a, nil
}
