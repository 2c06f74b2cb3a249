package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stepCount int

var stepCmd = &cobra.Command{
	Use:   "step <session-id>",
	Short: "Run propose, evaluate and absorb cycles",
	Long: `Runs one or more full cycles of a session, blocking while the evaluator
runs. Stops early once the session reaches a terminal status. A session that
was interrupted mid-cycle resumes where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runStep,
}

func init() {
	stepCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "Number of cycles to run")
	rootCmd.AddCommand(stepCmd)
}

func runStep(cmd *cobra.Command, args []string) error {
	if stepCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]
	for i := 0; i < stepCount; i++ {
		st, err := engine.Step(cmd.Context(), id)
		if err != nil {
			return err
		}
		printf(cmd, "iteration=%d status=%s best=%s\n", st.Iteration, st.Status, formatScore(st.BestCandidate))
		if st.Status.IsTerminal() {
			break
		}
	}
	return nil
}
