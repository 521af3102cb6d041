package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/bayesian"
	"github.com/copyleftdev/smbo/internal/store"
)

type runOptions struct {
	objective      string
	runID          string
	nCalls         int
	nInitialPoints int
	initial        string
	acquisition    string
	acqOptimizer   string
	xi             float64
	seed           int64
	noTrace        bool
	jsonOutput     bool
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Minimize a registered objective",
		Long: `Runs one optimization of a registered objective and prints the best
point. Interrupting the run prints the partial result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd, o)
		},
	}

	cmd.Flags().StringVar(&o.objective, "objective", "bowl", "Objective name (see 'smbo objectives')")
	cmd.Flags().StringVar(&o.runID, "run-id", "", "Run id used for the trace (default: random uuid)")
	cmd.Flags().IntVar(&o.nCalls, "n-calls", 0, "Evaluation budget (default $OPT_N_CALLS)")
	cmd.Flags().IntVar(&o.nInitialPoints, "n-initial", 0, "Initial design size (default $OPT_N_INITIAL_POINTS)")
	cmd.Flags().StringVar(&o.initial, "initial", "", "Initial design: random or lhs")
	cmd.Flags().StringVar(&o.acquisition, "acquisition", "", "Acquisition: EI, LCB or PI")
	cmd.Flags().StringVar(&o.acqOptimizer, "acq-optimizer", "", "Acquisition refinement: nelder-mead, mayfly or sampling")
	cmd.Flags().Float64Var(&o.xi, "xi", 0, "EI/PI improvement margin in objective units (default $OPT_XI)")
	cmd.Flags().Int64Var(&o.seed, "seed", 0, "Random seed (0 seeds from the clock)")
	cmd.Flags().BoolVar(&o.noTrace, "no-trace", false, "Do not write a JSONL trace")
	cmd.Flags().BoolVar(&o.jsonOutput, "json", false, "Print the result as JSON")
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, o *runOptions) error {
	objective, err := a.objectives.Get(o.objective)
	if err != nil {
		return err
	}
	space, err := objective.Space()
	if err != nil {
		return err
	}

	cfg := a.cfg.OptimizerDefaults()
	cfg.Objective = objective.Func
	cfg.Space = space
	cfg.RandomSeed = o.seed
	if o.nCalls > 0 {
		cfg.NCalls = o.nCalls
		if o.nInitialPoints == 0 && cfg.NInitialPoints > cfg.NCalls {
			cfg.NInitialPoints = cfg.NCalls
		}
	}
	if o.nInitialPoints > 0 {
		cfg.NInitialPoints = o.nInitialPoints
	}
	if o.initial != "" {
		cfg.InitialPointGenerator = o.initial
	}
	if o.acquisition != "" {
		cfg.Acquisition = o.acquisition
	}
	if o.acqOptimizer != "" {
		cfg.AcqOptimizer = o.acqOptimizer
	}
	if cmd.Flags().Changed("xi") {
		cfg.Xi = o.xi
	}

	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()
	}

	var trace *store.TraceWriter
	if !o.noTrace && a.traceDir != "" {
		trace, err = store.NewTraceWriter(a.traceDir, runID, false, store.WithTraceLogger(a.zlog))
		if err != nil {
			return err
		}
		cfg.Progress = trace
	}

	optimizer, err := bayesian.NewBayesianOptimizer(cfg,
		bayesian.WithLogger(a.zlog.With(zap.String("run_id", runID))),
		bayesian.WithRunID(runID),
	)
	if err != nil {
		if trace != nil {
			trace.Close()
			store.DeleteTrace(a.traceDir, runID)
		}
		return err
	}

	start := time.Now()
	result, runErr := optimizer.Optimize(ctx)
	elapsed := time.Since(start)

	if trace != nil {
		if err := trace.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close trace")
		}
	}

	if result != nil {
		out := cmd.OutOrStdout()
		if o.jsonOutput {
			if err := writeResultJSON(out, runID, result); err != nil {
				return err
			}
		} else {
			writeResultText(out, runID, objective.Name, result, elapsed)
			if trace != nil {
				fmt.Fprintf(out, "trace:       %s\n", trace.Path())
			}
		}
	}

	if errors.Is(runErr, optimization.ErrCancelled) && result != nil {
		return fmt.Errorf("run %s interrupted after %d evaluations", runID, len(result.Trace))
	}
	return runErr
}

type resultJSON struct {
	RunID       string                     `json:"run_id"`
	BestValue   float64                    `json:"best_value"`
	BestParams  optimization.Params        `json:"best_params"`
	Evaluations int                        `json:"evaluations"`
	Failures    int                        `json:"failures"`
	Iterations  int                        `json:"iterations"`
	Cancelled   bool                       `json:"cancelled"`
	Convergence []float64                  `json:"convergence"`
	Trace       []optimization.Observation `json:"trace"`
}

func writeResultJSON(w io.Writer, runID string, res *optimization.OptimizationResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resultJSON{
		RunID:       runID,
		BestValue:   res.BestValue,
		BestParams:  res.BestParams,
		Evaluations: len(res.Trace),
		Failures:    len(res.Failures),
		Iterations:  res.Iterations,
		Cancelled:   res.Cancelled,
		Convergence: res.Convergence(),
		Trace:       res.Trace,
	})
}

func writeResultText(w io.Writer, runID, objective string, res *optimization.OptimizationResult, elapsed time.Duration) {
	fmt.Fprintf(w, "run:         %s\n", runID)
	fmt.Fprintf(w, "objective:   %s\n", objective)
	fmt.Fprintf(w, "evaluations: %d (%d failed)\n", len(res.Trace), len(res.Failures))
	fmt.Fprintf(w, "elapsed:     %s\n", elapsed.Round(time.Millisecond))
	if len(res.Trace) == 0 {
		fmt.Fprintln(w, "no successful evaluations")
		return
	}
	fmt.Fprintf(w, "best value:  %.6g\n", res.BestValue)
	for _, name := range sortedKeys(res.BestParams) {
		fmt.Fprintf(w, "  %s = %v\n", name, res.BestParams[name])
	}
}
