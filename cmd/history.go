package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyJSON bool

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show every evaluation attempt of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print the history as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := engine.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITER\tATTEMPT\tRUN ID\tSCORE\tDECISION\tREASON\tBEST\tERROR")
	for _, h := range history {
		score := "failed"
		if h.Score != nil {
			score = fmt.Sprintf("%.6g", *h.Score)
		}
		best := "-"
		if h.BestScore != nil {
			best = fmt.Sprintf("%.6g", *h.BestScore)
		}
		decision := "-"
		if h.Absorbed {
			decision = string(h.Decision)
		}
		reason := h.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			h.Iteration, h.Attempt, h.RunID, score, decision, reason, best, h.Error)
	}
	return w.Flush()
}
