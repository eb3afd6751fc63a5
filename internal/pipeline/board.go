package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/model"
)

// Board is a tenant's live cards grouped by stage in board order.
type Board struct {
	TenantID    string    `json:"tenant_id"`
	Version     string    `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Columns     []Column  `json:"columns"`
}

// Column is one non-archive stage of a board.
type Column struct {
	Stage      model.StageDefinition `json:"stage"`
	Count      int                   `json:"count"`
	AtCapacity bool                  `json:"at_capacity"`
	Cards      []BoardCard           `json:"cards"`
}

// BoardCard is a live card with its SLA band at board time.
type BoardCard struct {
	model.Card
	Band       model.Band `json:"band"`
	AgeMinutes float64    `json:"age_minutes"`
}

// Board returns the tenant's live cards by stage. Within a column the card
// that has waited longest comes first. Archive stages are omitted.
func (e *Engine) Board(ctx context.Context, tenantID string) (Board, error) {
	p, err := e.graph.Snapshot(tenantID)
	if err != nil {
		return Board{}, err
	}
	cards, err := e.store.ListLive(ctx, tenantID)
	if err != nil {
		return Board{}, err
	}

	now := e.now()
	board := Board{TenantID: tenantID, Version: p.Version(), GeneratedAt: now}

	byStage := make(map[string][]model.Card)
	for _, c := range cards {
		byStage[c.Stage] = append(byStage[c.Stage], c)
	}

	for _, stage := range p.Stages() {
		if stage.Archive {
			continue
		}
		in := byStage[stage.ID]
		delete(byStage, stage.ID)

		col := Column{Stage: stage, Count: len(in), Cards: make([]BoardCard, 0, len(in))}
		if stage.HasWIPLimit() {
			col.AtCapacity = len(in) >= *stage.WIPLimit
		}
		for _, c := range in {
			col.Cards = append(col.Cards, BoardCard{
				Card:       c,
				Band:       Classify(stage, now, c.EnteredStageAt),
				AgeMinutes: Age(now, c.EnteredStageAt).Minutes(),
			})
		}
		sort.SliceStable(col.Cards, func(i, j int) bool {
			return col.Cards[i].EnteredStageAt.Before(col.Cards[j].EnteredStageAt)
		})
		board.Columns = append(board.Columns, col)
	}

	// Live cards left in stages removed by a reload have no column.
	for stage, orphans := range byStage {
		observability.RequestLogger(ctx, e.logger).Warn("live cards in unknown stage",
			zap.String("tenant_id", tenantID),
			zap.String("stage", stage),
			zap.Int("count", len(orphans)),
		)
	}
	return board, nil
}

// BandCounts returns the number of live cards per stage and SLA band.
func BandCounts(p *definition.Pipeline, cards []model.Card, now time.Time) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, c := range cards {
		stage, ok := p.Stage(c.Stage)
		if !ok {
			continue
		}
		band := string(Classify(stage, now, c.EnteredStageAt))
		if counts[c.Stage] == nil {
			counts[c.Stage] = make(map[string]int)
		}
		counts[c.Stage][band]++
	}
	return counts
}

// AvailableTransition describes one move the UI may offer for a card.
type AvailableTransition struct {
	To                  string   `json:"to"`
	Label               string   `json:"label"`
	ModalID             string   `json:"modal_id,omitempty"`
	RequiredPayloadKeys []string `json:"required_payload_keys,omitempty"`
	MissingPayloadKeys  []string `json:"missing_payload_keys,omitempty"`
	Reopen              bool     `json:"reopen,omitempty"`
	AtCapacity          bool     `json:"at_capacity"`
}

// AvailableTransitions lists the edges leaving the card's stage with the
// payload keys each still needs. Archived cards only see reopen edges.
// AtCapacity is advisory; RequestTransition makes the binding check.
func (e *Engine) AvailableTransitions(ctx context.Context, tenantID, cardID string) ([]AvailableTransition, error) {
	p, err := e.graph.Snapshot(tenantID)
	if err != nil {
		return nil, err
	}
	card, err := e.store.Get(ctx, tenantID, cardID)
	if err != nil {
		return nil, err
	}

	edges := p.TransitionsFrom(card.Stage)
	out := make([]AvailableTransition, 0, len(edges))
	for _, edge := range edges {
		if card.IsArchived && !edge.Reopen {
			continue
		}
		target, ok := p.Stage(edge.To)
		if !ok {
			continue
		}
		at := AvailableTransition{
			To:                  edge.To,
			Label:               target.Label,
			ModalID:             edge.ModalID,
			RequiredPayloadKeys: edge.RequiredPayloadKeys,
			MissingPayloadKeys:  card.Payload.Missing(edge.RequiredPayloadKeys),
			Reopen:              edge.Reopen,
		}
		if target.HasWIPLimit() && target.ID != card.Stage {
			n, err := e.store.CountLive(ctx, tenantID, target.ID)
			if err != nil {
				return nil, err
			}
			at.AtCapacity = n >= *target.WIPLimit
		}
		out = append(out, at)
	}
	return out, nil
}
