package main

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, store, err := openEngine()
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := engine.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printf(cmd, "%s %s\n", st.SessionID, st.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
