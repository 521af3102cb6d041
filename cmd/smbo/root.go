package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/smbo/internal/config"
	"github.com/copyleftdev/smbo/internal/logging"
	"github.com/copyleftdev/smbo/internal/objectives"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	zlog       *zap.Logger
	objectives *objectives.Registry

	logLevel string
	traceDir string
}

func newRootCmd() *cobra.Command {
	a := &app{objectives: objectives.NewRegistry()}

	rootCmd := &cobra.Command{
		Use:   "smbo",
		Short: "Sequential model-based optimization of costly black-box functions",
		Long: `smbo minimizes expensive objectives over mixed real, integer and
categorical search spaces with a Gaussian-process surrogate and
expected-improvement search.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = a.logLevel
			}
			if !cmd.Flags().Changed("trace-dir") {
				a.traceDir = cfg.Store.TraceDir
			}

			logger, err := logging.NewLogger(cfg.LoggingConfig())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger.WithField("service", "smbo-cli")
			a.zlog = logging.NewZapLogger(a.logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error (default $LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&a.traceDir, "trace-dir", "", "Directory for JSONL traces (default $TRACE_DIR)")

	rootCmd.AddCommand(newRunCmd(a), newObjectivesCmd(a), newTraceCmd(a))
	return rootCmd
}
