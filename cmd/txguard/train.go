package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/txguard/pkg/artifact"
	"github.com/hed1ad/txguard/pkg/features"
	txio "github.com/hed1ad/txguard/pkg/io"
	csvio "github.com/hed1ad/txguard/pkg/io/csv"
)

func newTrainCmd(a *app) *cobra.Command {
	var (
		input         string
		trees         int
		sampleSize    int
		contamination float64
		seed          int64
		workers       int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the encoder and forest on a CSV batch and store its alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("trees") {
				a.cfg.Trees = trees
			}
			if flags.Changed("sample-size") {
				a.cfg.SampleSize = sampleSize
			}
			if flags.Changed("contamination") {
				a.cfg.Contamination = contamination
			}
			if flags.Changed("seed") {
				a.cfg.Seed = seed
			}
			if flags.Changed("workers") {
				a.cfg.Workers = workers
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			txs, err := readTransactions(input)
			if err != nil {
				return err
			}

			res, err := a.pipeline().Run(txs, nil, nil, a.cfg.Contamination)
			if err != nil {
				return err
			}
			if err := artifact.Save(a.cfg.ArtifactDir, artifact.Bundle{Params: res.Params, Forest: res.Forest}); err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			inserted, err := store.UpsertInitial(ctx, res.Candidates)
			if err != nil {
				return err
			}

			a.log.Info().
				Str("run_id", res.RunID).
				Int("transactions", len(txs)).
				Int("flagged", len(res.Candidates)).
				Int("inserted", inserted).
				Str("artifacts", a.cfg.ArtifactDir).
				Msg("Training run complete")
			fmt.Fprintf(a.out, "trained on %d transactions: %d flagged, %d new alerts (run %s)\n",
				len(txs), len(res.Candidates), inserted, res.RunID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "", "transaction CSV file")
	f.IntVar(&trees, "trees", 0, "number of trees (TXGUARD_TREES)")
	f.IntVar(&sampleSize, "sample-size", 0, "subsample size per tree (TXGUARD_SAMPLE_SIZE)")
	f.Float64Var(&contamination, "contamination", 0, "share of transactions to flag (TXGUARD_CONTAMINATION)")
	f.Int64Var(&seed, "seed", 0, "random seed (TXGUARD_SEED)")
	f.IntVar(&workers, "workers", 0, "parallel tree builders (TXGUARD_WORKERS)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func readTransactions(path string, opts ...csvio.Option) ([]features.Transaction, error) {
	f, err := csvio.NewReader(path, opts...)
	if err != nil {
		return nil, err
	}
	var r txio.Reader = f
	defer r.Close()

	txs, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return txs, nil
}
