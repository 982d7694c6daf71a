package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/artifact"
	"github.com/hed1ad/txguard/pkg/features"
	csvio "github.com/hed1ad/txguard/pkg/io/csv"
	"github.com/hed1ad/txguard/pkg/pipeline"
)

func newScoreCmd(a *app) *cobra.Command {
	var (
		input  string
		rate   float64
		stream bool
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a CSV batch with the saved model and store its alerts",
		Long: "Score a CSV batch with the saved model and store its alerts.\n\n" +
			"By default the batch is ranked and the top --rate share is flagged. With\n" +
			"--stream, rows are scored as they are read against the training threshold\n" +
			"and written to stdout.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("rate") {
				rate = a.cfg.Contamination
			}

			bundle, err := artifact.Load(a.cfg.ArtifactDir)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var candidates []alerts.Candidate
			if stream {
				candidates, err = a.scoreStream(ctx, input, bundle)
			} else {
				candidates, err = a.scoreBatch(input, bundle, rate)
			}
			if err != nil {
				return err
			}

			inserted, err := store.UpsertInitial(ctx, candidates)
			if err != nil {
				return err
			}
			a.log.Info().
				Int("flagged", len(candidates)).
				Int("inserted", inserted).
				Msg("Scoring complete")
			if !stream {
				fmt.Fprintf(a.out, "%d flagged, %d new alerts\n", len(candidates), inserted)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "transaction CSV file")
	cmd.Flags().Float64Var(&rate, "rate", 0, "share of the batch to flag (default TXGUARD_CONTAMINATION)")
	cmd.Flags().BoolVar(&stream, "stream", false, "score row by row against the training threshold")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (a *app) scoreBatch(input string, bundle artifact.Bundle, rate float64) ([]alerts.Candidate, error) {
	txs, err := readTransactions(input, csvio.WithNumeric(bundle.Params.Fields...))
	if err != nil {
		return nil, err
	}
	res, err := a.pipeline().Run(txs, bundle.Params, bundle.Forest, rate)
	if err != nil {
		return nil, err
	}
	return res.Candidates, nil
}

func (a *app) scoreStream(ctx context.Context, input string, bundle artifact.Bundle) ([]alerts.Candidate, error) {
	r, err := csvio.NewReader(input, csvio.WithNumeric(bundle.Params.Fields...))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	g, ctx := errgroup.WithContext(ctx)
	in, err := r.Stream(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan pipeline.Scored, 64)
	runID := uuid.NewString()

	g.Go(func() error {
		defer close(out)
		return a.pipeline().Stream(ctx, bundle.Params, bundle.Forest, in, out)
	})

	var candidates []alerts.Candidate
	g.Go(func() error {
		w := csv.NewWriter(a.out)
		if err := w.Write([]string{"transaction_id", "anomaly_score", "is_anomaly"}); err != nil {
			return err
		}
		for s := range out {
			row := []string{s.Transaction.ID, strconv.FormatFloat(s.Score, 'f', 6, 64), strconv.FormatBool(s.IsAnomaly)}
			if err := w.Write(row); err != nil {
				return err
			}
			if s.IsAnomaly {
				candidates = append(candidates, candidate(s.Transaction, s.Score, runID))
			}
		}
		w.Flush()
		return w.Error()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", input, err)
	}
	return candidates, nil
}

func candidate(tx features.Transaction, score float64, runID string) alerts.Candidate {
	return alerts.Candidate{TransactionID: tx.ID, Score: score, RunID: runID, Fields: tx.Fields}
}
