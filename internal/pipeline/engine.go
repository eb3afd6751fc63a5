package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/model"
)

// Engine is the transition guard: the only code path that changes a card's
// stage, stage-entry time, or payload.
type Engine struct {
	graph   *StageGraph
	store   CardStore
	limiter *WIPLimiter
	audit   *AuditTrail
	retry   config.RetryConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine's metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConflictRetry bounds the automatic retry of CONFLICT_RETRY failures.
// Zero fields keep their defaults.
func WithConflictRetry(cfg config.RetryConfig) Option {
	return func(e *Engine) {
		if cfg.MaxAttempts > 0 {
			e.retry.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.BackoffInitial > 0 {
			e.retry.BackoffInitial = cfg.BackoffInitial
		}
		if cfg.BackoffMax > 0 {
			e.retry.BackoffMax = cfg.BackoffMax
		}
	}
}

// WithIDGenerator overrides how card IDs are generated.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a transition engine over the registry's pipelines and the
// given store.
func NewEngine(registry *definition.Registry, store CardStore, opts ...Option) *Engine {
	e := &Engine{
		graph:   NewStageGraph(registry),
		store:   store,
		limiter: NewWIPLimiter(store),
		audit:   NewAuditTrail(store),
		retry:   config.Defaults().Automation.ConflictRetry,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the engine's stage graph.
func (e *Engine) Graph() *StageGraph { return e.graph }

// Limiter returns the engine's WIP limiter.
func (e *Engine) Limiter() *WIPLimiter { return e.limiter }

// Audit returns the engine's audit trail.
func (e *Engine) Audit() *AuditTrail { return e.audit }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// ErrStale is returned when a request carries an Expectation that the
// stored card no longer meets. Nothing is written.
var ErrStale = errors.New("pipeline: card changed since it was read")

// Expectation pins the card state a caller based its decision on: the stage
// and the time the card entered it. Automation sets it from the card it
// evaluated.
type Expectation struct {
	Stage          string
	EnteredStageAt time.Time
}

// ExpectCard returns the Expectation matching card as read.
func ExpectCard(card model.Card) *Expectation {
	return &Expectation{Stage: card.Stage, EnteredStageAt: card.EnteredStageAt}
}

func (x *Expectation) check(card model.Card) error {
	if x == nil {
		return nil
	}
	if card.IsArchived || card.Stage != x.Stage || !card.EnteredStageAt.Equal(x.EnteredStageAt) {
		return ErrStale
	}
	return nil
}

// TransitionRequest asks to move one card to another stage.
type TransitionRequest struct {
	TenantID     string
	CardID       string
	ToStage      string
	PayloadDelta model.Payload
	Actor        string
	Expect       *Expectation // optional; checked on every attempt
}

// RequestTransition validates and commits a stage change. Checks run in a
// fixed order and stop at the first failure:
//
//  1. load the card (NOT_FOUND if missing, or archived without a matching
//     reopen edge)
//  2. legality of card.Stage -> ToStage (ILLEGAL_TRANSITION)
//  3. merge PayloadDelta into a candidate payload
//  4. required payload keys (MISSING_REQUIRED_FIELD listing every key)
//  5. reserve capacity in ToStage (CAPACITY_EXCEEDED)
//  6. commit stage, entry time, payload and audit entry atomically
//
// A CONFLICT_RETRY from the commit is retried against fresh state before
// being returned.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (model.Card, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "pipeline.transition",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrCardID.String(req.CardID),
		observability.AttrToStage.String(req.ToStage),
		observability.AttrActor.String(req.Actor),
	)

	card, err := e.requestTransition(ctx, req)

	e.recordTransition(ctx, req, err, time.Since(start))
	if code := model.ErrorCode(err); code != "" {
		span.SetAttributes(observability.AttrErrorCode.String(code))
	}
	observability.EndSpanWithError(span, err)
	return card, err
}

func (e *Engine) requestTransition(ctx context.Context, req TransitionRequest) (model.Card, error) {
	if req.TenantID == "" || req.CardID == "" || req.Actor == "" {
		return model.Card{}, model.NewBadRequestError("tenant, card and actor are required")
	}

	// One snapshot for every attempt, so a concurrent reload cannot change
	// the graph halfway through.
	p, err := e.graph.Snapshot(req.TenantID)
	if err != nil {
		return model.Card{}, err
	}

	return retryOnConflict(ctx, e, req.TenantID, func() (model.Card, error) {
		return e.attemptTransition(ctx, p, req)
	})
}

func (e *Engine) attemptTransition(ctx context.Context, p *definition.Pipeline, req TransitionRequest) (model.Card, error) {
	card, err := e.store.Get(ctx, req.TenantID, req.CardID)
	if err != nil {
		return model.Card{}, err
	}
	if err := req.Expect.check(card); err != nil {
		return model.Card{}, err
	}

	edge, legal := p.Transition(card.Stage, req.ToStage)
	if card.IsArchived && (!legal || !edge.Reopen) {
		return model.Card{}, model.NewNotFoundError(fmt.Sprintf("card %q is archived", card.ID))
	}
	if !legal {
		return model.Card{}, model.NewIllegalTransitionError(card.Stage, req.ToStage)
	}

	candidate := card.Payload.Merge(req.PayloadDelta)
	if missing := candidate.Missing(edge.RequiredPayloadKeys); len(missing) > 0 {
		return model.Card{}, model.NewMissingRequiredFieldError(missing)
	}

	target, ok := p.Stage(req.ToStage)
	if !ok {
		return model.Card{}, model.NewConfigError(fmt.Sprintf("stage %q is not defined for tenant %q", req.ToStage, req.TenantID))
	}

	// A declared self-edge keeps the card where it already holds a slot.
	moving := card.Stage != target.ID
	var capacity *CapacityCheck
	if moving {
		tok, err := e.limiter.Reserve(ctx, req.TenantID, target)
		if err != nil {
			return model.Card{}, err
		}
		defer tok.Release()
		if tok.Limited() {
			capacity = &CapacityCheck{Stage: target.ID, Limit: tok.Limit}
		}
	}

	now := e.now()
	next := card.Clone()
	next.Stage = target.ID
	next.Payload = candidate
	next.IsArchived = target.Archive
	next.UpdatedAt = now
	if moving || card.IsArchived {
		next.EnteredStageAt = now
	}

	entry := e.audit.Entry(model.AuditKindTransition, card, card.Stage, target.ID, req.Actor, model.Payload(nil).Merge(req.PayloadDelta), now)
	return e.store.Commit(ctx, CommitRequest{Card: next, Entry: entry, Capacity: capacity})
}

func (e *Engine) recordTransition(ctx context.Context, req TransitionRequest, err error, d time.Duration) {
	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("tenant_id", req.TenantID),
		zap.String("card_id", req.CardID),
		zap.String("to_stage", req.ToStage),
		zap.String("actor", req.Actor),
	)

	code := model.ErrorCode(err)
	switch {
	case err == nil:
		e.metrics.RecordTransition(req.TenantID, observability.OutcomeCommitted, "", d)
		logger.Info("transition committed", zap.Duration("duration", d))
	case errors.Is(err, ErrStale):
		e.metrics.RecordTransition(req.TenantID, observability.OutcomeStale, "", d)
		logger.Debug("transition skipped, card changed since it was read")
	case code != "" && code != model.ErrInternalError:
		if code == model.ErrCapacityExceeded {
			e.metrics.RecordCapacityRejection(req.TenantID, req.ToStage)
		}
		e.metrics.RecordTransition(req.TenantID, observability.OutcomeRejected, code, d)
		logger.Warn("transition rejected", zap.String("code", code), zap.Error(err))
		if len(req.PayloadDelta) > 0 {
			logger.Debug("rejected payload delta", zap.Any("payload_delta", observability.RedactPayload(req.PayloadDelta)))
		}
	default:
		e.metrics.RecordTransition(req.TenantID, observability.OutcomeError, model.ErrInternalError, d)
		logger.Error("transition failed", zap.Error(err))
	}
}

// FlagRequest asks to set a marker key on a card without moving it.
type FlagRequest struct {
	TenantID string
	CardID   string
	Marker   string
	Actor    string
	Expect   *Expectation
}

type flagResult struct {
	card    model.Card
	changed bool
}

// Flag sets req.Marker on the card's payload to the current time (RFC 3339)
// and commits a flag audit entry. A card that already carries the marker is
// returned unchanged with changed == false. Archived cards are NOT_FOUND,
// or ErrStale when req.Expect is set.
func (e *Engine) Flag(ctx context.Context, req FlagRequest) (card model.Card, changed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.flag",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrCardID.String(req.CardID),
		observability.AttrActor.String(req.Actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if req.Marker == "" {
		return model.Card{}, false, model.NewBadRequestError("marker is required")
	}

	res, err := retryOnConflict(ctx, e, req.TenantID, func() (flagResult, error) {
		card, err := e.store.Get(ctx, req.TenantID, req.CardID)
		if err != nil {
			return flagResult{}, err
		}
		if err := req.Expect.check(card); err != nil {
			return flagResult{}, err
		}
		if card.IsArchived {
			return flagResult{}, model.NewNotFoundError(fmt.Sprintf("card %q is archived", card.ID))
		}
		if card.Payload.Has(req.Marker) {
			return flagResult{card: card}, nil
		}

		now := e.now()
		delta := model.Payload{req.Marker: now.Format(time.RFC3339)}
		next := card.Clone()
		next.Payload = card.Payload.Merge(delta)
		next.UpdatedAt = now

		entry := e.audit.Entry(model.AuditKindFlag, card, card.Stage, card.Stage, req.Actor, delta, now)
		committed, err := e.store.Commit(ctx, CommitRequest{Card: next, Entry: entry})
		if err != nil {
			return flagResult{}, err
		}
		return flagResult{card: committed, changed: true}, nil
	})
	return res.card, res.changed, err
}

// CreateRequest asks to place a new card in the tenant's entry stage.
type CreateRequest struct {
	TenantID string
	CardID   string // optional; generated when empty
	Payload  model.Payload
	Actor    string
}

// CreateCard places a new card in the tenant's entry stage, subject to the
// entry stage's WIP limit, and records a created audit entry.
func (e *Engine) CreateCard(ctx context.Context, req CreateRequest) (card model.Card, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.create_card",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrActor.String(req.Actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if req.TenantID == "" || req.Actor == "" {
		return model.Card{}, model.NewBadRequestError("tenant and actor are required")
	}
	p, err := e.graph.Snapshot(req.TenantID)
	if err != nil {
		return model.Card{}, err
	}
	entryStage, ok := p.Stage(p.EntryStage())
	if !ok {
		return model.Card{}, model.NewConfigError(fmt.Sprintf("entry stage %q is not defined for tenant %q", p.EntryStage(), req.TenantID))
	}

	tok, err := e.limiter.Reserve(ctx, req.TenantID, entryStage)
	if err != nil {
		return model.Card{}, err
	}
	defer tok.Release()
	var capacity *CapacityCheck
	if tok.Limited() {
		capacity = &CapacityCheck{Stage: entryStage.ID, Limit: tok.Limit}
	}

	now := e.now()
	card = model.Card{
		ID:             req.CardID,
		TenantID:       req.TenantID,
		Stage:          entryStage.ID,
		EnteredStageAt: now,
		Payload:        model.Payload(nil).Merge(req.Payload),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if card.ID == "" {
		card.ID = e.newID()
	}

	entry := e.audit.Entry(model.AuditKindCreated, card, "", entryStage.ID, req.Actor, card.Payload, now)
	if err := e.store.Create(ctx, card, entry, capacity); err != nil {
		return model.Card{}, err
	}

	e.metrics.RecordCardCreated(req.TenantID)
	observability.RequestLogger(ctx, e.logger).Info("card created",
		zap.String("tenant_id", card.TenantID),
		zap.String("card_id", card.ID),
		zap.String("stage", card.Stage),
		zap.String("actor", req.Actor),
	)
	return card, nil
}

// GetCard returns a card by ID.
func (e *Engine) GetCard(ctx context.Context, tenantID, cardID string) (model.Card, error) {
	return e.store.Get(ctx, tenantID, cardID)
}

// ListLive returns every non-archived card of a tenant.
func (e *Engine) ListLive(ctx context.Context, tenantID string) ([]model.Card, error) {
	return e.store.ListLive(ctx, tenantID)
}

// History returns a card's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, tenantID, cardID string) ([]model.AuditEntry, error) {
	return e.audit.History(ctx, tenantID, cardID)
}

// retryOnConflict runs op, retrying with bounded exponential backoff while it
// fails with CONFLICT_RETRY. Any other error is returned immediately.
func retryOnConflict[T any](ctx context.Context, e *Engine, tenantID string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.BackoffInitial
	b.MaxInterval = e.retry.BackoffMax
	retries := e.retry.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		if attempt > 0 {
			e.metrics.RecordConflictRetry(tenantID)
		}
		attempt++

		v, err := op()
		if err != nil && !model.IsCode(err, model.ErrConflictRetry) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}
