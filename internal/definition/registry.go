package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/pipeline/model"
)

// Pipeline is one tenant's definition compiled into lookup indexes. It is
// immutable once built and safe to share between goroutines.
type Pipeline struct {
	def    model.PipelineDefinition
	stages map[string]model.StageDefinition
	order  []model.StageDefinition
	edges  map[string][]model.TransitionDefinition
	rules  []model.AutomationRule
}

// Compile builds lookup indexes for def. def is assumed to be valid.
func Compile(def model.PipelineDefinition) *Pipeline {
	p := &Pipeline{
		def:    def,
		stages: make(map[string]model.StageDefinition, len(def.Stages)),
		order:  slices.Clone(def.Stages),
		edges:  make(map[string][]model.TransitionDefinition),
		rules:  slices.Clone(def.Rules),
	}
	for _, s := range def.Stages {
		p.stages[s.ID] = s
	}
	sort.SliceStable(p.order, func(i, j int) bool { return p.order[i].Order < p.order[j].Order })
	for _, t := range def.Transitions {
		p.edges[t.From] = append(p.edges[t.From], t)
	}
	return p
}

// Tenant returns the owning tenant ID.
func (p *Pipeline) Tenant() string { return p.def.Tenant }

// Version returns the definition version string.
func (p *Pipeline) Version() string { return p.def.Version }

// EntryStage returns the stage new cards are created in.
func (p *Pipeline) EntryStage() string { return p.def.EntryStage }

// Definition returns the source definition.
func (p *Pipeline) Definition() model.PipelineDefinition { return p.def }

// Stages returns the stages in board order.
func (p *Pipeline) Stages() []model.StageDefinition {
	return slices.Clone(p.order)
}

// Stage returns the stage with the given ID.
func (p *Pipeline) Stage(id string) (model.StageDefinition, bool) {
	s, ok := p.stages[id]
	return s, ok
}

// TransitionsFrom returns the outgoing edges of stage in declaration order.
// Unknown and terminal stages have none.
func (p *Pipeline) TransitionsFrom(stage string) []model.TransitionDefinition {
	return slices.Clone(p.edges[stage])
}

// Transition returns the edge from -> to, if defined.
func (p *Pipeline) Transition(from, to string) (model.TransitionDefinition, bool) {
	for _, t := range p.edges[from] {
		if t.To == to {
			return t, true
		}
	}
	return model.TransitionDefinition{}, false
}

// IsLegal reports whether an edge from -> to exists. A self-transition is
// legal only when declared.
func (p *Pipeline) IsLegal(from, to string) bool {
	_, ok := p.Transition(from, to)
	return ok
}

// Rules returns the automation rules in evaluation order.
func (p *Pipeline) Rules() []model.AutomationRule {
	return slices.Clone(p.rules)
}

// snapshot is an immutable set of compiled pipelines.
type snapshot struct {
	pipelines map[string]*Pipeline
	checksum  string
}

// Registry is a read-optimized store of all tenant pipelines. Readers take
// one snapshot per request, so a concurrent reload never changes the graph
// under an in-flight transition.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(&snapshot{pipelines: map[string]*Pipeline{}})
	return r
}

// Replace validates defs and, when they are all valid, atomically swaps them
// in. On any problem it returns a CONFIG_ERROR listing every problem and the
// previous snapshot stays in service.
func (r *Registry) Replace(defs []model.PipelineDefinition) error {
	if err := AsConfigError(r.validator.Validate(defs)); err != nil {
		return err
	}

	s := &snapshot{pipelines: make(map[string]*Pipeline, len(defs))}
	parts := make([]string, 0, len(defs))
	for _, def := range defs {
		s.pipelines[def.Tenant] = Compile(def)
		parts = append(parts, def.Checksum)
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))

	r.snap.Store(s)
	return nil
}

// Pipeline returns the compiled pipeline of tenant from the current snapshot.
func (r *Registry) Pipeline(tenant string) (*Pipeline, error) {
	p, ok := r.snap.Load().pipelines[tenant]
	if !ok {
		return nil, model.NewConfigError(fmt.Sprintf("no pipeline is configured for tenant %q", tenant))
	}
	return p, nil
}

// Tenants returns the configured tenant IDs, sorted.
func (r *Registry) Tenants() []string {
	s := r.snap.Load()
	out := make([]string, 0, len(s.pipelines))
	for t := range s.pipelines {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Loaded reports whether at least one tenant pipeline is loaded.
func (r *Registry) Loaded() bool {
	return len(r.snap.Load().pipelines) > 0
}

// Checksum returns the combined checksum of the current snapshot.
func (r *Registry) Checksum() string {
	return r.snap.Load().checksum
}
