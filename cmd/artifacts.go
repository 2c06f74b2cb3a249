package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simopt/internal/artifact"
)

var artifactSeq int

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect stored artifacts",
	Long: `Inspect the artifact store directly. Kinds are versioned-design,
simulation-case and session; keys are design ids, run ids and session ids.`,
}

var getArtifactCmd = &cobra.Command{
	Use:   "get <kind> <key>",
	Short: "Print the current artifact for a key",
	Long: `Prints the current overwritten artifact for a key, or the latest appended
record when the key only has a log. With --seq, prints that appended record.`,
	Args: cobra.ExactArgs(2),
	RunE: runGetArtifact,
}

var artifactHistoryCmd = &cobra.Command{
	Use:   "history <kind> <key>",
	Short: "List the appended records for a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runArtifactHistory,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(getArtifactCmd)
	artifactsCmd.AddCommand(artifactHistoryCmd)

	getArtifactCmd.Flags().IntVar(&artifactSeq, "seq", 0, "Print the appended record with this sequence number (1-based)")
}

func parseKind(s string) (artifact.Kind, error) {
	kind := artifact.Kind(s)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown artifact kind %q (want %s, %s or %s)",
			s, artifact.KindVersionedDesign, artifact.KindSimulationCase, artifact.KindSession)
	}
	return kind, nil
}

func runGetArtifact(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	store, err := appConfig.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	var rec artifact.Record
	if artifactSeq > 0 {
		recs, err := store.ListHistory(ctx, args[1], kind)
		if err != nil {
			return err
		}
		if artifactSeq > len(recs) {
			return fmt.Errorf("%s/%s has %d appended record(s), no record %d", kind, args[1], len(recs), artifactSeq)
		}
		rec = recs[artifactSeq-1]
	} else if rec, err = store.Get(ctx, args[1], kind); err != nil {
		return err
	}

	data, err := store.Read(ctx, rec)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	out.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return nil
}

func runArtifactHistory(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	store, err := appConfig.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()

	recs, err := store.ListHistory(cmd.Context(), args[1], kind)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		printf(cmd, "No appended records for %s/%s.\n", kind, args[1])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tCREATED\tSIZE\tSHA256")
	for _, rec := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			rec.Version, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), formatBytes(rec.Size), rec.SHA256[:12])
	}
	return w.Flush()
}
