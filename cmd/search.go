package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/app"
)

// newSearchCmd creates the 'search' subcommand: submit one or more terms,
// then drain the queue until every discovered area has been retired.
func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term> [term...]",
		Short: "Discovers areas matching the terms and archives them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearchCommand,
	}
}

func runSearchCommand(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Loop().Start(ctx); err != nil {
		return fmt.Errorf("start drain loop: %w", err)
	}

	for _, term := range args {
		if err := a.Queue().SubmitSearch(ctx, term); err != nil {
			return fmt.Errorf("submit search: %w", err)
		}
		logger.Info("search submitted",
			zap.String("term", term),
			zap.Int("queue_depth", a.Queue().Len()),
		)
	}

	return waitForDrain(ctx, a)
}

// waitForDrain blocks until the queue is empty or the context ends. The
// in-flight entry, if any, is finished by App.Close via Loop.Stop.
func waitForDrain(ctx context.Context, a *app.App) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.Queue().Len() == 0 {
				a.Logger().Info("queue drained",
					zap.Int("failed_names", a.Queue().FailedCount()),
				)
				return nil
			}
		}
	}
}
