package pipeline

import (
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/model"
)

// StageGraph answers structural questions about tenant pipelines. Every
// method fails with CONFIG_ERROR when the tenant has no pipeline.
type StageGraph struct {
	registry *definition.Registry
}

// NewStageGraph creates a StageGraph over registry.
func NewStageGraph(registry *definition.Registry) *StageGraph {
	return &StageGraph{registry: registry}
}

// Snapshot returns the tenant's current compiled pipeline. Callers that make
// several decisions hold on to one snapshot so a reload cannot change the
// graph between them.
func (g *StageGraph) Snapshot(tenantID string) (*definition.Pipeline, error) {
	return g.registry.Pipeline(tenantID)
}

// StagesOf returns the tenant's stages in board order.
func (g *StageGraph) StagesOf(tenantID string) ([]model.StageDefinition, error) {
	p, err := g.Snapshot(tenantID)
	if err != nil {
		return nil, err
	}
	return p.Stages(), nil
}

// TransitionsFrom returns the edges leaving stage. Unknown and terminal
// stages yield an empty slice, not an error.
func (g *StageGraph) TransitionsFrom(tenantID, stage string) ([]model.TransitionDefinition, error) {
	p, err := g.Snapshot(tenantID)
	if err != nil {
		return nil, err
	}
	return p.TransitionsFrom(stage), nil
}

// IsLegal reports whether the tenant's graph has an edge from -> to.
func (g *StageGraph) IsLegal(tenantID, from, to string) (bool, error) {
	p, err := g.Snapshot(tenantID)
	if err != nil {
		return false, err
	}
	return p.IsLegal(from, to), nil
}

// Tenants returns every tenant with a loaded pipeline, sorted.
func (g *StageGraph) Tenants() []string {
	return g.registry.Tenants()
}
