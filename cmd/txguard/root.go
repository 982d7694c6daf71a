package main

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hed1ad/txguard/internal/config"
	"github.com/hed1ad/txguard/pkg/alerts/sqlite"
	"github.com/hed1ad/txguard/pkg/detectors/iforest"
	"github.com/hed1ad/txguard/pkg/logger"
	"github.com/hed1ad/txguard/pkg/pipeline"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	cfg *config.Config
	log zerolog.Logger
	out io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		dataDir, dbPath, artifactDir, logLevel string
		pretty                                 bool
	)

	root := &cobra.Command{
		Use:          "txguard",
		Short:        "Flag anomalous financial transactions and review the alerts",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				cfg.SetDataDir(dataDir)
			}
			if flags.Changed("db") {
				cfg.DatabasePath = dbPath
			}
			if flags.Changed("artifacts") {
				cfg.ArtifactDir = artifactDir
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("pretty") {
				cfg.PrettyLogs = pretty
			}

			a.cfg = cfg
			a.out = cmd.OutOrStdout()
			a.log = logger.New(logger.Config{
				Level:  cfg.LogLevel,
				Pretty: cfg.PrettyLogs,
				Output: cmd.ErrOrStderr(),
			})
			logger.SetGlobalLogger(a.log)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&dataDir, "data-dir", "", "data directory (TXGUARD_DATA_DIR)")
	pf.StringVar(&dbPath, "db", "", "alert database path (TXGUARD_DATABASE_PATH)")
	pf.StringVar(&artifactDir, "artifacts", "", "model artifact directory (TXGUARD_ARTIFACT_DIR)")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (TXGUARD_LOG_LEVEL)")
	pf.BoolVar(&pretty, "pretty", false, "human-readable logs (TXGUARD_LOG_PRETTY)")

	root.AddCommand(
		newGenerateCmd(a),
		newTrainCmd(a),
		newScoreCmd(a),
		newAlertsCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) openStore(ctx context.Context) (*sqlite.Store, error) {
	return sqlite.Open(ctx, a.cfg.DatabasePath, sqlite.WithLogger(a.log))
}

func (a *app) pipeline() *pipeline.Pipeline {
	return pipeline.New(
		pipeline.WithLogger(a.log),
		pipeline.WithForestOptions(
			iforest.WithTrees(a.cfg.Trees),
			iforest.WithSampleSize(a.cfg.SampleSize),
			iforest.WithSeed(a.cfg.Seed),
			iforest.WithWorkers(a.cfg.Workers),
		),
	)
}
