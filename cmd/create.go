package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simopt/internal/config"
)

var (
	sessionFile string
	sessionID   string
	createSeed  int64
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session from a YAML or JSON definition",
	Long: `Validates a session definition (algorithm, parameter space, seed, budget
and retry policy), initializes the search kernel and persists the session in
CREATED state. Prints the session id.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&sessionFile, "file", "f", "", "Session definition file (required)")
	createCmd.Flags().StringVar(&sessionID, "id", "", "Session id (overrides the file; generated when empty)")
	createCmd.Flags().Int64Var(&createSeed, "seed", 0, "Random seed (overrides the file)")
	createCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadSession(sessionFile)
	if err != nil {
		return err
	}
	if sessionID != "" {
		cfg.SessionID = sessionID
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = createSeed
	}

	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := engine.Create(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	printf(cmd, "%s\n", id)
	return nil
}
