// Package main is the entry point for the draftkit CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "draftkit",
		Short: "Compose email reply drafts with a resumable agent",
		Long: `draftkit loads a mail thread, lets the model gather context from related
mail, the calendar and the knowledge base, and streams a reply draft.

Every step is checkpointed, so a conversation can be resumed with feedback
or recovered after a failed run. Threads and backends are read from the
fixture file named in the configuration.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $DRAFTKIT_CONFIG)")

	rootCmd.AddCommand(
		startCmd(),
		resumeCmd(),
		recoverCmd(),
		stateCmd(),
		historyCmd(),
		capabilitiesCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
