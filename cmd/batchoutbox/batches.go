package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/velmie/batchoutbox"
)

func newBatchesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Resolve failed batches that block the pipeline",
	}

	var reason string
	skip := &cobra.Command{
		Use:   "skip <batch-id>",
		Short: "Accept the failed items of a batch as lost so later batches can proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), flags, func(ctx context.Context, op *batchoutbox.Operator) error {
				batch, err := op.SkipBatch(ctx, args[0], reason)
				if err != nil {
					return err
				}

				return printBatch(cmd.OutOrStdout(), batch)
			})
		},
	}
	skip.Flags().StringVar(&reason, "reason", "", "why the batch is skipped (required)")
	_ = skip.MarkFlagRequired("reason")

	retry := &cobra.Command{
		Use:   "retry <batch-id>",
		Short: "Put a failed batch and its failed items back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), flags, func(ctx context.Context, op *batchoutbox.Operator) error {
				batch, err := op.RetryBatch(ctx, args[0])
				if err != nil {
					return err
				}

				return printBatch(cmd.OutOrStdout(), batch)
			})
		},
	}

	cmd.AddCommand(skip, retry)

	return cmd
}

func withOperator(ctx context.Context, flags *globalFlags, fn func(context.Context, *batchoutbox.Operator) error) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var cl closers
	defer func() { _ = cl.close(context.Background()) }()

	store, err := openStore(ctx, cfg.Store, &cl)
	if err != nil {
		return err
	}

	return fn(ctx, batchoutbox.NewOperator(store, batchoutbox.OperatorConfig{Logger: logger.Named("operator")}))
}

func printBatch(w io.Writer, batch batchoutbox.Batch) error {
	out := struct {
		ID             string `json:"batchId"`
		Sequence       int64  `json:"batchSequence"`
		Status         string `json:"status"`
		LastError      string `json:"lastError,omitempty"`
		OverrideReason string `json:"overrideReason,omitempty"`
	}{
		ID:             batch.ID,
		Sequence:       batch.Sequence,
		Status:         string(batch.Status),
		LastError:      batch.LastError,
		OverrideReason: batch.OverrideReason,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	return nil
}
