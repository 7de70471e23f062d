package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-lightning/cli"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pltrain",
		Short:   "Train lightning modules on the local harness",
		Version: version,
	}

	rootCmd.AddCommand(cli.NewTrainCmd())
	rootCmd.AddCommand(cli.NewCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
