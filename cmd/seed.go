package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
)

// newSeedCmd creates the 'seed' subcommand: enqueue already-resolved entries
// from a JSON file, verbatim, and drain until done. This is the operator's
// retry path for areas that failed in a previous run.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <entries.json>",
		Short: "Enqueues explicit entries from a JSON file and archives them",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeedCommand,
	}
}

func runSeedCommand(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var entries []archive.QueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("seed file contains no entries")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Loop().Start(ctx); err != nil {
		return fmt.Errorf("start drain loop: %w", err)
	}

	a.Queue().SubmitExplicit(entries)
	a.Logger().Info("seed entries enqueued",
		zap.Int("count", len(entries)),
		zap.String("file", args[0]),
	)

	return waitForDrain(ctx, a)
}
