package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rewardctl",
		Short:         "Operator tooling for the movepoint reward pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(deadLetterCmd())
	rootCmd.AddCommand(disconnectCmd())
	rootCmd.AddCommand(mintsCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(signCmd())

	return rootCmd
}
