package main

import (
	"os"

	"github.com/spf13/cobra"

	csvio "github.com/hed1ad/txguard/pkg/io/csv"
	"github.com/hed1ad/txguard/pkg/synth"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		count     int
		fraudRate float64
		seed      uint64
		prefix    string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic transaction batch as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			txs, fraud := synth.New(synth.Config{Count: count, FraudRate: fraudRate, Seed: seed, IDPrefix: prefix}).Batch()

			dst := a.out
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			if err := csvio.WriteTransactions(dst, txs); err != nil {
				return err
			}

			a.log.Info().
				Int("transactions", len(txs)).
				Int("fraud", len(fraud)).
				Str("output", output).
				Msg("Generated synthetic batch")
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10000, "number of transactions")
	cmd.Flags().Float64Var(&fraudRate, "fraud-rate", 0.01, "share of injected fraud")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "generator seed")
	cmd.Flags().StringVar(&prefix, "id-prefix", "TX", "transaction id prefix")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
