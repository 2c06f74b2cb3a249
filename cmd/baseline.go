package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/config"
	"github.com/cwbudde/simopt/internal/opt"
)

var (
	baselineIters int
	baselinePop   int
	baselineSeed  int64
	baselineID    string
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Run a population-based reference search",
	Long: `Runs the mayfly algorithm over the parameter space of a session definition
against the configured evaluator. The result is a reference optimum to compare
sessions against; it is stored as a versioned design under the baseline id.`,
	Args: cobra.NoArgs,
	RunE: runBaseline,
}

func init() {
	baselineCmd.Flags().StringVarP(&sessionFile, "file", "f", "", "Session definition file providing the parameter space (required)")
	baselineCmd.Flags().IntVar(&baselineIters, "iters", 20, "Mayfly iterations")
	baselineCmd.Flags().IntVar(&baselinePop, "pop", 20, "Mayfly population size (minimum 20)")
	baselineCmd.Flags().Int64Var(&baselineSeed, "seed", 42, "Random seed")
	baselineCmd.Flags().StringVar(&baselineID, "id", "", "Baseline id, used as run id prefix and design key (default baseline-<unix time>)")
	baselineCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(baselineCmd)
}

// baselineSummary is stored under versioned-design/<baseline id>.
type baselineSummary struct {
	BaselineID string             `json:"baseline_id"`
	Algorithm  string             `json:"algorithm"`
	Seed       int64              `json:"seed"`
	Iterations int                `json:"iterations"`
	Population int                `json:"population"`
	Result     opt.BaselineResult `json:"result"`
	BestParams map[string]any     `json:"best_params"`
	FinishedAt time.Time          `json:"finished_at"`
}

func runBaseline(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadSession(sessionFile)
	if err != nil {
		return err
	}
	if err := cfg.ParameterSpace.Validate(); err != nil {
		return err
	}
	ev, err := appConfig.NewEvaluator(cfg.ParameterSpace)
	if err != nil {
		return err
	}
	optimizer, err := opt.NewMayfly(baselineIters, baselinePop, baselineSeed)
	if err != nil {
		return err
	}

	id := baselineID
	if id == "" {
		id = fmt.Sprintf("baseline-%d", time.Now().Unix())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	slog.Info("Starting baseline", "baseline_id", id, "iters", baselineIters, "pop", baselinePop, "dimensions", len(cfg.ParameterSpace))
	start := time.Now()

	res, err := opt.Baseline(ctx, optimizer, cfg.ParameterSpace, ev, id)
	if err != nil {
		return err
	}
	slog.Info("Baseline completed",
		"baseline_id", id,
		"score", res.Score,
		"evaluations", res.Evaluations,
		"failures", res.Failures,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	summary := baselineSummary{
		BaselineID: id,
		Algorithm:  "mayfly",
		Seed:       baselineSeed,
		Iterations: baselineIters,
		Population: baselinePop,
		Result:     res,
		BestParams: cfg.ParameterSpace.Resolve(res.Best),
		FinishedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode baseline summary: %w", err)
	}

	store, err := appConfig.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()
	if _, err := store.Put(cmd.Context(), id, artifact.KindVersionedDesign, data, artifact.Overwrite); err != nil {
		return err
	}

	printf(cmd, "%s\n", data)
	return nil
}
