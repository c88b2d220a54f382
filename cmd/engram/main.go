package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "engram",
	Short:   "Long-term conversational memory engine",
	Version: version,
	Long: `engram gives a conversational AI assistant long-term, per-user recall.

Recall relevant past exchanges before replying, commit each completed
exchange after. Memories are rewarded when used, decay when not, and are
pruned once the store outgrows its threshold.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(interactionsCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
