package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/pipeline"
)

func classifyCmd() *cobra.Command {
	var (
		dirs   []string
		tenant string
		stage  string
		age    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Show the SLA band a card of the given age would be in",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(dirs, tenant)
			if err != nil {
				return err
			}
			st, ok := p.Stage(stage)
			if !ok {
				return fmt.Errorf("tenant %s has no stage %q", tenant, stage)
			}

			now := time.Now()
			band := pipeline.Classify(st, now, now.Add(-age))

			if jsonOutput {
				return printJSON(map[string]any{
					"tenant":      tenant,
					"stage":       stage,
					"age_minutes": age.Minutes(),
					"band":        band,
				})
			}
			tw := newTable(table.Row{"Band", "Below (minutes)"})
			for _, th := range st.SLAThresholds {
				tw.AppendRow(table.Row{th.Band, th.Minutes})
			}
			tw.AppendFooter(table.Row{"age " + age.String(), band})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", []string{"pipelines"}, "pipeline definition directories")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&stage, "stage", "", "stage id")
	cmd.Flags().DurationVar(&age, "age", 0, "time the card has spent in the stage")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// loadPipeline validates the definitions in dirs and returns tenant's graph.
func loadPipeline(dirs []string, tenant string) (*definition.Pipeline, error) {
	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	registry := definition.NewRegistry()
	if err := registry.Replace(defs); err != nil {
		return nil, err
	}
	return registry.Pipeline(tenant)
}
