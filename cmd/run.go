package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/dispatcher"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

type runOptions struct {
	batchID        string
	ids            []string
	perItemTimeout time.Duration
	deadline       time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one batch and prints each result as a JSON line",
		Long: `Submits a single batch to the session pool and writes one JSON object per
item to stdout as results arrive. Per-item failures and timeouts are part of
the output, not command errors.`,
		Example: "  rankgrid run --ids 101,102,103 --per-item-timeout 2m --deadline 10m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.batchID, "batch-id", "", "batch UUID (generated when empty)")
	cmd.Flags().StringSliceVar(&opts.ids, "ids", nil, "comma separated work item ids")
	cmd.Flags().DurationVar(&opts.perItemTimeout, "per-item-timeout", 0, "per-item timeout (config default when 0)")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 0, "whole-batch deadline (none when 0)")
	_ = cmd.MarkFlagRequired("ids") //nolint:errcheck // flag is defined above
	return cmd
}

func runBatch(cmd *cobra.Command, opts runOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	items, err := parseItemIDs(opts.ids)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := appInstance.Dispatcher().Submit(ctx, dispatcher.Request{
		ID:             opts.batchID,
		Items:          items,
		PerItemTimeout: opts.perItemTimeout,
		BatchDeadline:  opts.deadline,
	})
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	if err := writeResults(cmd.OutOrStdout(), h.Results()); err != nil {
		h.Cancel()
		return err
	}

	summary, err := h.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("wait for batch: %w", err)
	}
	zap.L().Info("batch finished",
		zap.String("batch_id", summary.BatchID),
		zap.String("status", string(summary.Status)),
		zap.Int("succeeded", summary.Counts.Succeeded),
		zap.Int("failed", summary.Counts.Failed),
		zap.Int("timed_out", summary.Counts.TimedOut),
	)
	return nil
}

// parseItemIDs trims the flag values and rejects blanks.
func parseItemIDs(raw []string) ([]rank.ItemID, error) {
	items := make([]rank.ItemID, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, errors.New("--ids contains an empty id")
		}
		items = append(items, rank.ItemID(v))
	}
	if len(items) == 0 {
		return nil, errors.New("--ids is required")
	}
	return items, nil
}

// writeResults writes one JSON line per result until results is closed.
func writeResults(w io.Writer, results <-chan rank.Result) error {
	enc := json.NewEncoder(w)
	for res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result %s: %w", res.ItemID, err)
		}
	}
	return nil
}
