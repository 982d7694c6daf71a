package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/txguard/pkg/alerts"
	csvio "github.com/hed1ad/txguard/pkg/io/csv"
)

func newAlertsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Review stored alerts",
	}
	cmd.AddCommand(
		newAlertsListCmd(a),
		newAlertsAckCmd(a),
		newAlertsSnoozeCmd(a),
		newAlertsExportCmd(a),
	)
	return cmd
}

// lifecycle opens the store and wraps it. The caller closes the store.
func (a *app) lifecycle(cmd *cobra.Command) (*alerts.Lifecycle, func() error, error) {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return alerts.NewLifecycle(store, alerts.WithLogger(a.log)), store.Close, nil
}

func (a *app) listRecords(cmd *cobra.Command, l *alerts.Lifecycle, all bool, limit int) ([]alerts.Record, error) {
	if all {
		return l.Store().List(cmd.Context(), alerts.Query{Limit: limit})
	}
	return l.Active(cmd.Context(), l.Now(), limit)
}

func newAlertsListCmd(a *app) *cobra.Command {
	var (
		all    bool
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts due for review, highest score first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.ListLimit
			}
			l, closeStore, err := a.lifecycle(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := a.listRecords(cmd, l, all, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			sum, err := l.Summary(cmd.Context(), l.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%d alerts, %d active, %d snoozed, %d acknowledged\n\n",
				sum.Total, sum.Active, sum.Snoozed, sum.Acknowledged)

			now := l.Now()
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRANSACTION\tSCORE\tSTATE\tTYPE\tAMOUNT\tSNOOZED UNTIL")
			for _, r := range records {
				until := ""
				if r.SnoozedUntil != nil {
					until = r.SnoozedUntil.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%.4f\t%s\t%s\t%s\t%s\n",
					r.TransactionID, r.Score, alerts.StateAt(r, now), r.Fields["type"], r.Fields["amount"], until)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include snoozed and acknowledged alerts")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows, 0 for no cap (default TXGUARD_LIST_LIMIT)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAlertsAckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ack ID...",
		Short: "Acknowledge alerts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeStore, err := a.lifecycle(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, id := range args {
				if err := l.Acknowledge(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s acknowledged\n", id)
			}
			return nil
		},
	}
}

func newAlertsSnoozeCmd(a *app) *cobra.Command {
	var minutes int

	cmd := &cobra.Command{
		Use:   "snooze ID...",
		Short: "Hide alerts for a while",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := a.cfg.DefaultSnooze
			if cmd.Flags().Changed("minutes") {
				var err error
				if d, err = alerts.SnoozeMinutes(minutes); err != nil {
					return err
				}
			}

			l, closeStore, err := a.lifecycle(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			for _, id := range args {
				until, err := l.Snooze(cmd.Context(), id, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s snoozed until %s\n", id, until.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&minutes, "minutes", "m", 0, "snooze length in minutes (default TXGUARD_SNOOZE)")
	return cmd
}

func newAlertsExportCmd(a *app) *cobra.Command {
	var (
		all    bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export alerts as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closeStore, err := a.lifecycle(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := a.listRecords(cmd, l, all, 0)
			if err != nil {
				return err
			}

			var w *csvio.Writer
			if output == "" {
				w = csvio.NewStreamWriter(a.out)
			} else if w, err = csvio.NewWriter(output); err != nil {
				return err
			}
			if err := w.WriteAll(records); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}

			a.log.Info().Int("alerts", len(records)).Str("output", output).Msg("Exported alerts")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include snoozed and acknowledged alerts")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
