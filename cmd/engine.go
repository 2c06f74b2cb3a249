package main

import (
	"fmt"
	"io"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/evaluator"
	"github.com/cwbudde/simopt/internal/session"
)

// openEngine opens the configured store and returns an engine that builds
// a command evaluator per session. The caller closes the store.
func openEngine(opts ...session.Option) (*session.Engine, artifact.Store, error) {
	store, err := appConfig.OpenStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	factory := func(cfg session.Config) (evaluator.Evaluator, error) {
		ev, err := appConfig.NewEvaluator(cfg.ParameterSpace)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	opts = append([]session.Option{session.WithEvaluatorFactory(factory)}, opts...)
	return session.NewEngine(store, nil, opts...), store, nil
}

func formatScore(s *session.Scored) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", s.Score)
}

func printState(w io.Writer, st session.State) {
	fmt.Fprintf(w, "Session: %s\n", st.SessionID)
	fmt.Fprintf(w, "Status: %s\n", st.Status)
	if st.StopReason != "" {
		fmt.Fprintf(w, "Stop reason: %s\n", st.StopReason)
	}
	fmt.Fprintf(w, "Iteration: %d\n", st.Iteration)
	if st.BestCandidate != nil {
		fmt.Fprintf(w, "Best score: %s (run %s)\n", formatScore(st.BestCandidate), st.BestCandidate.RunID)
		fmt.Fprintf(w, "Best candidate: %v\n", st.BestCandidate.Candidate)
	}
	if st.CurrentRunID != "" && !st.Status.IsTerminal() {
		fmt.Fprintf(w, "Current run: %s\n", st.CurrentRunID)
	}
	if st.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, "Consecutive failures: %d\n", st.ConsecutiveFailures)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", st.Error)
	}
}
