package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pipeline/internal/pipeline"
)

func boardCmd() *cobra.Command {
	var (
		configPath string
		tenant     string
		showCards  bool
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Print live card counts and SLA bands per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			var boards []pipeline.Board
			for _, t := range rt.tenants(tenant) {
				b, err := rt.engine.Board(cmd.Context(), t)
				if err != nil {
					return fmt.Errorf("tenant %s: %w", t, err)
				}
				boards = append(boards, b)
			}

			if jsonOutput {
				return printJSON(boards)
			}
			for _, b := range boards {
				renderBoard(b, showCards)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the server configuration file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (all tenants when empty)")
	cmd.Flags().BoolVar(&showCards, "cards", false, "list every card under its stage")
	return cmd
}

func renderBoard(b pipeline.Board, showCards bool) {
	tw := newTable(table.Row{"Stage", "Cards", "WIP Limit", "Green", "Yellow", "Red", "Overdue"})
	tw.SetTitle(fmt.Sprintf("%s (v%s)", b.TenantID, b.Version))
	for _, col := range b.Columns {
		limit := "-"
		if col.Stage.WIPLimit != nil {
			limit = fmt.Sprintf("%d", *col.Stage.WIPLimit)
			if col.AtCapacity {
				limit += " (full)"
			}
		}
		bands := map[string]int{}
		for _, c := range col.Cards {
			bands[string(c.Band)]++
		}
		tw.AppendRow(table.Row{col.Stage.ID, col.Count, limit, bands["green"], bands["yellow"], bands["red"], bands["overdue"]})

		if showCards {
			for _, c := range col.Cards {
				age := (time.Duration(c.AgeMinutes) * time.Minute).String()
				tw.AppendRow(table.Row{"  " + c.ID, "", "", "", "", string(c.Band), age})
			}
		}
	}
	tw.Render()
}
