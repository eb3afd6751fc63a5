// Package main is pipelinectl, the operator CLI for pipeline definitions and
// card stores.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Operate tenant pipelines",
	Long: `pipelinectl validates pipeline definitions and inspects the card store
used by the pipeline server.

Examples:
  pipelinectl validate ./pipelines                         # Check every definition
  pipelinectl classify --dir ./pipelines --tenant acme --stage quoted --age 50h
  pipelinectl board --config config.yaml --tenant acme     # Print a tenant board
  pipelinectl sweep --config config.yaml                   # Run one automation sweep`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(sweepCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}
