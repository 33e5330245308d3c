package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vegsecai/vegsec/cmd/gen"
	"github.com/vegsecai/vegsec/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:     "vegsec",
	Short:   "The VegSecAI vegetable recognition service",
	Version: meta.Version,
	Long: `The VegSecAI vegetable recognition service

Accepts TLS client connections, authenticates users and answers questions
about uploaded vegetable images using a model served over HTTP.
`,
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
