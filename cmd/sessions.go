package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simopt/internal/artifact"
	"github.com/cwbudde/simopt/internal/session"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage persisted sessions",
	Long: `Manage persisted sessions including listing them and cleaning up finished
ones. Unfinished sessions are never removed so they can always be resumed.`,
}

var listSessionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted sessions",
	Long:  `Display all sessions with status, iteration, best score, last update and disk usage.`,
	RunE:  runListSessions,
}

var cleanSessionsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete finished sessions",
	Long: `Delete finished sessions (CONVERGED, FAILED, CANCELLED) based on a retention
policy, together with their run artifacts and run directories.`,
	RunE: runCleanSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(cleanSessionsCmd)

	cleanSessionsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recently updated finished sessions (0 = keep all)")
	cleanSessionsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete finished sessions not updated for N days (0 = no age limit)")
	cleanSessionsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

// sessionInfo is what list and clean need to know about a session.
type sessionInfo struct {
	ID        string
	Status    session.Status
	Iteration int
	BestScore *float64
	UpdatedAt time.Time
	RunIDs    []string
	Size      int64
}

func collectSessions(ctx context.Context, engine *session.Engine, store artifact.Store) ([]sessionInfo, error) {
	states, err := engine.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	infos := make([]sessionInfo, 0, len(states))
	for _, st := range states {
		info := sessionInfo{
			ID:        st.SessionID,
			Status:    st.Status,
			Iteration: st.Iteration,
			UpdatedAt: st.UpdatedAt,
			RunIDs:    runIDs(st),
		}
		if st.BestCandidate != nil {
			score := st.BestCandidate.Score
			info.BestScore = &score
		}
		info.Size = storedSize(ctx, store, info)
		infos = append(infos, info)
	}
	return infos, nil
}

// runIDs returns the distinct run ids of a session in order.
func runIDs(st session.State) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, h := range st.History {
		add(h.RunID)
	}
	add(st.CurrentRunID)
	return ids
}

// storedSize adds up the session's artifacts and run directories. Missing
// pieces count as zero.
func storedSize(ctx context.Context, store artifact.Store, info sessionInfo) int64 {
	var size int64
	add := func(key string, kind artifact.Kind) {
		if rec, err := store.Get(ctx, key, kind); err == nil && rec.Mode == artifact.Overwrite {
			size += rec.Size
		}
		if recs, err := store.ListHistory(ctx, key, kind); err == nil {
			for _, rec := range recs {
				size += rec.Size
			}
		}
	}
	add(info.ID, artifact.KindSession)
	add(info.ID, artifact.KindVersionedDesign)
	for _, runID := range info.RunIDs {
		add(runID, artifact.KindSimulationCase)
		if n, err := getDirSize(filepath.Join(appConfig.RunsDir(), runID)); err == nil {
			size += n
		}
	}
	return size
}

func runListSessions(cmd *cobra.Command, args []string) error {
	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := collectSessions(cmd.Context(), engine, store)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		printf(cmd, "No sessions found.\n")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tITERATION\tBEST SCORE\tUPDATED\tSIZE")
	fmt.Fprintln(w, "-------\t------\t---------\t----------\t-------\t----")
	for _, info := range infos {
		best := "-"
		if info.BestScore != nil {
			best = fmt.Sprintf("%.6g", *info.BestScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			displayID(info.ID),
			info.Status,
			info.Iteration,
			best,
			info.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			formatBytes(info.Size),
		)
	}
	w.Flush()

	printf(cmd, "\nTotal sessions: %d\n", len(infos))
	return nil
}

func runCleanSessions(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	infos, err := collectSessions(ctx, engine, store)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		printf(cmd, "No sessions to clean.\n")
		return nil
	}

	toDelete := selectSessionsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		printf(cmd, "No sessions match deletion criteria.\n")
		return nil
	}

	printf(cmd, "Found %d session(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		printf(cmd, "  - %s (%s, iteration %d, %s)\n",
			displayID(info.ID),
			info.Status,
			info.Iteration,
			info.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		printf(cmd, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			printf(cmd, "Aborted.\n")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := deleteSession(ctx, store, info); err != nil {
			slog.Error("Failed to delete session", "session_id", info.ID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted session", "session_id", info.ID)
		deleted++
	}

	printf(cmd, "\nDeleted %d session(s), %d failed.\n", deleted, failed)
	return nil
}

// deleteSession removes the session snapshot last, so a partly deleted
// session still shows up in the next listing and can be cleaned again.
func deleteSession(ctx context.Context, store artifact.Store, info sessionInfo) error {
	remove := func(key string, kind artifact.Kind) error {
		if err := store.Delete(ctx, key, kind); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return err
		}
		return nil
	}

	for _, runID := range info.RunIDs {
		if err := remove(runID, artifact.KindSimulationCase); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(appConfig.RunsDir(), runID)); err != nil {
			return fmt.Errorf("failed to remove run directory: %w", err)
		}
	}
	if err := remove(info.ID, artifact.KindVersionedDesign); err != nil {
		return err
	}
	return remove(info.ID, artifact.KindSession)
}

// selectSessionsForDeletion applies the retention policy to finished
// sessions. Unfinished sessions are never selected.
func selectSessionsForDeletion(infos []sessionInfo, keepLast int, olderThanDays int, now time.Time) []sessionInfo {
	var finished []sessionInfo
	for _, info := range infos {
		if info.Status.IsTerminal() {
			finished = append(finished, info)
		}
	}

	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range finished {
			if info.UpdatedAt.Before(cutoff) {
				selected[info.ID] = true
			}
		}
	}

	if keepLast > 0 && len(finished) > keepLast {
		sorted := make([]sessionInfo, len(finished))
		copy(sorted, finished)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
		})
		for _, info := range sorted[keepLast:] {
			selected[info.ID] = true
		}
	}

	var toDelete []sessionInfo
	for _, info := range finished {
		if selected[info.ID] {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func displayID(id string) string {
	if len(id) > 24 {
		return id[:24] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
