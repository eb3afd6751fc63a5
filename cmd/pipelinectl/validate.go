package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/model"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>...",
		Short: "Validate pipeline definition directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				return fmt.Errorf("no pipeline definitions found in %v", args)
			}

			if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
				if jsonOutput {
					_ = printJSON(verrs)
				} else {
					tw := newTable(table.Row{"Path", "Code", "Problem"})
					for _, ve := range verrs {
						tw.AppendRow(table.Row{ve.Path, ve.Code, ve.Message})
					}
					tw.Render()
				}
				return fmt.Errorf("%d problem(s) found", len(verrs))
			}

			if jsonOutput {
				return printJSON(summarize(defs))
			}
			tw := newTable(table.Row{"Tenant", "Version", "Stages", "Transitions", "Rules", "Checksum"})
			for _, s := range summarize(defs) {
				tw.AppendRow(table.Row{s.Tenant, s.Version, s.Stages, s.Transitions, s.Rules, s.Checksum[:12]})
			}
			tw.Render()
			return nil
		},
	}
}

type definitionSummary struct {
	Tenant      string `json:"tenant"`
	Version     string `json:"version"`
	Source      string `json:"source"`
	Stages      int    `json:"stages"`
	Transitions int    `json:"transitions"`
	Rules       int    `json:"rules"`
	Checksum    string `json:"checksum"`
}

func summarize(defs []model.PipelineDefinition) []definitionSummary {
	out := make([]definitionSummary, len(defs))
	for i, d := range defs {
		out[i] = definitionSummary{
			Tenant:      d.Tenant,
			Version:     d.Version,
			Source:      d.SourceFile,
			Stages:      len(d.Stages),
			Transitions: len(d.Transitions),
			Rules:       len(d.Rules),
			Checksum:    d.Checksum,
		}
	}
	return out
}
