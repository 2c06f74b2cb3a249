package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simopt/internal/server"
	"github.com/cwbudde/simopt/internal/session"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session status",
	Long: `Shows the status of one session, or of all sessions when no id is given.
Reads the local store by default; with --server it queries a running
'simopt serve' instance instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "", "Server URL, e.g. http://localhost:8080")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if serverURL != "" {
		if len(args) == 0 {
			var resp struct {
				Sessions []server.SessionView `json:"sessions"`
			}
			if err := getJSON(serverURL+"/api/v1/sessions", &resp); err != nil {
				return err
			}
			return printSessionViews(out, resp.Sessions)
		}
		var st session.State
		if err := getJSON(fmt.Sprintf("%s/api/v1/sessions/%s", serverURL, args[0]), &st); err != nil {
			return err
		}
		printState(out, st)
		return nil
	}

	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		st, err := engine.GetState(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printState(out, st)
		return nil
	}

	states, err := engine.List(cmd.Context())
	if err != nil {
		return err
	}
	views := make([]server.SessionView, 0, len(states))
	for _, st := range states {
		views = append(views, server.NewSessionView(st, false))
	}
	return printSessionViews(out, views)
}

func printSessionViews(out io.Writer, views []server.SessionView) error {
	if len(views) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tITERATION\tBEST\tSTOP REASON\tUPDATED")
	for _, v := range views {
		best := "-"
		if v.BestScore != nil {
			best = fmt.Sprintf("%.6g", *v.BestScore)
		}
		reason := v.StopReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			v.SessionID, v.Status, v.Iteration, best, reason, v.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

