// Package automation runs time-triggered rules over every tenant's live
// cards. Rule actions go through the same transition guard as human
// requests; the scheduler never writes cards directly.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/notify"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/model"
)

// Sweep statuses recorded on pipeline_sweep_runs_total.
const (
	SweepOK      = "ok"
	SweepSkipped = "skipped"
	SweepError   = "error"
)

// Automation action statuses.
const (
	ActionFlagged      = "flagged"
	ActionTransitioned = "transitioned"
	ActionRejected     = "rejected"
	ActionFailed       = "failed"
	ActionStale        = "stale"
)

// SweepReport summarizes one tenant sweep.
type SweepReport struct {
	TenantID       string        `json:"tenant_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Skipped        bool          `json:"skipped,omitempty"`
	Evaluated      int           `json:"evaluated"`
	Flagged        int           `json:"flagged"`
	Transitioned   int           `json:"transitioned"`
	Failed         int           `json:"failed"`
	Stale          int           `json:"stale"`
	NotifyFailures int           `json:"notify_failures"`
}

// Scheduler evaluates automation rules on a fixed interval.
type Scheduler struct {
	engine   *pipeline.Engine
	lock     SweepLock
	notifier notify.Notifier
	cfg      config.AutomationConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	newID    func() string
}

// NewScheduler creates a scheduler acting through engine.
func NewScheduler(engine *pipeline.Engine, lock SweepLock, notifier notify.Notifier, cfg config.AutomationConfig, logger *zap.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallelTenants < 1 {
		cfg.MaxParallelTenants = 1
	}
	return &Scheduler{
		engine:   engine,
		lock:     lock,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		newID:    uuid.NewString,
	}
}

// Run sweeps every tenant once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.SweepInterval <= 0 {
		return fmt.Errorf("automation: sweep interval must be positive, got %v", s.cfg.SweepInterval)
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("automation scheduler started",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Int("max_parallel_tenants", s.cfg.MaxParallelTenants),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("automation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepAll(ctx); err != nil {
				s.logger.Warn("sweep finished with errors", zap.Error(err))
			}
		}
	}
}

// SweepAll sweeps every loaded tenant, at most MaxParallelTenants at once.
// A tenant that fails does not stop the others; their errors are joined.
func (s *Scheduler) SweepAll(ctx context.Context) ([]SweepReport, error) {
	tenants := s.engine.Graph().Tenants()
	reports := make([]SweepReport, len(tenants))
	errs := make([]error, len(tenants))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelTenants)
	for i, tenant := range tenants {
		g.Go(func() error {
			reports[i], errs[i] = s.SweepTenant(ctx, tenant)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// SweepTenant evaluates the tenant's rules against each live card. For each
// card the rules are tried in declaration order and the first match acts.
// A flag rule whose marker the card already carries does not match, so a
// later rule may still fire. Errors on one card are logged and counted and
// the sweep moves on.
func (s *Scheduler) SweepTenant(ctx context.Context, tenantID string) (report SweepReport, err error) {
	start := time.Now()
	report = SweepReport{TenantID: tenantID, StartedAt: s.engine.Now()}
	logger := s.logger.With(zap.String("tenant_id", tenantID))

	ctx, span := observability.StartSpan(ctx, "automation.sweep", observability.AttrTenantID.String(tenantID))
	defer func() {
		report.Duration = time.Since(start)
		status := SweepOK
		switch {
		case err != nil:
			status = SweepError
		case report.Skipped:
			status = SweepSkipped
		}
		s.metrics.RecordSweep(tenantID, status, report.Duration)
		observability.EndSpanWithError(span, err)
	}()

	if s.cfg.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SweepTimeout)
		defer cancel()
	}

	lease, ok, err := s.lock.TryAcquire(ctx, tenantID)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		logger.Debug("sweep skipped, another sweep holds the lock")
		return report, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("release sweep lock", zap.Error(err))
		}
	}()

	p, err := s.engine.Graph().Snapshot(tenantID)
	if err != nil {
		return report, err
	}
	rules := p.Rules()
	if len(rules) == 0 {
		return report, nil
	}

	cards, err := s.engine.ListLive(ctx, tenantID)
	if err != nil {
		return report, err
	}

	now := s.engine.Now()
	for _, card := range cards {
		if ctx.Err() != nil {
			logger.Warn("sweep interrupted", zap.Int("evaluated", report.Evaluated), zap.Error(ctx.Err()))
			break
		}
		report.Evaluated++

		rule, ok := firstMatch(rules, card, now)
		if !ok {
			continue
		}
		s.apply(ctx, logger, &report, rule, card, now)
	}

	if s.metrics != nil {
		if live, err := s.engine.ListLive(ctx, tenantID); err == nil {
			s.metrics.SetCardsByBand(tenantID, pipeline.BandCounts(p, live, now))
		}
	}

	logger.Info("sweep complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("flagged", report.Flagged),
		zap.Int("transitioned", report.Transitioned),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// firstMatch returns the first rule that applies to card at now.
func firstMatch(rules []model.AutomationRule, card model.Card, now time.Time) (model.AutomationRule, bool) {
	age := pipeline.Age(now, card.EnteredStageAt)
	for _, r := range rules {
		if r.Condition.Stage != card.Stage || age < r.Condition.MinAge {
			continue
		}
		if r.Action.Kind == model.RuleActionFlag && card.Payload.Has(r.MarkerKey()) {
			continue
		}
		return r, true
	}
	return model.AutomationRule{}, false
}

func (s *Scheduler) apply(ctx context.Context, logger *zap.Logger, report *SweepReport, rule model.AutomationRule, card model.Card, now time.Time) {
	logger = logger.With(zap.String("card_id", card.ID), zap.String("rule_id", rule.ID))
	actor := model.AutomationActor(rule.ID)

	switch rule.Action.Kind {
	case model.RuleActionFlag:
		_, changed, err := s.engine.Flag(ctx, pipeline.FlagRequest{
			TenantID: card.TenantID,
			CardID:   card.ID,
			Marker:   rule.MarkerKey(),
			Actor:    actor,
			Expect:   pipeline.ExpectCard(card),
		})
		if err != nil {
			s.fail(logger, report, rule, err)
			return
		}
		if !changed {
			// Flagged concurrently; whoever set the marker owns the notification.
			return
		}
		report.Flagged++
		s.metrics.RecordAutomationAction(card.TenantID, rule.ID, ActionFlagged)

		event := model.NotificationEvent{
			ID:       s.newID(),
			TenantID: card.TenantID,
			CardID:   card.ID,
			RuleID:   rule.ID,
			Kind:     rule.Action.Notify,
			Stage:    card.Stage,
			At:       now,
		}
		if err := s.notifier.Notify(ctx, event); err != nil {
			report.NotifyFailures++
			logger.Warn("notification delivery failed", zap.String("event_id", event.ID), zap.Error(err))
		}

	case model.RuleActionTransition:
		_, err := s.engine.RequestTransition(ctx, pipeline.TransitionRequest{
			TenantID:     card.TenantID,
			CardID:       card.ID,
			ToStage:      rule.Action.ToStage,
			PayloadDelta: rule.Action.Payload,
			Actor:        actor,
			Expect:       pipeline.ExpectCard(card),
		})
		if err != nil {
			s.fail(logger, report, rule, err)
			return
		}
		report.Transitioned++
		s.metrics.RecordAutomationAction(card.TenantID, rule.ID, ActionTransitioned)
	}
}

func (s *Scheduler) fail(logger *zap.Logger, report *SweepReport, rule model.AutomationRule, err error) {
	if errors.Is(err, pipeline.ErrStale) {
		// Moved by someone else after the listing; the next sweep re-evaluates it.
		report.Stale++
		s.metrics.RecordAutomationAction(report.TenantID, rule.ID, ActionStale)
		logger.Debug("card changed since listing, rule not applied")
		return
	}
	report.Failed++
	status := ActionFailed
	if code := model.ErrorCode(err); code != "" && code != model.ErrInternalError {
		status = ActionRejected
	}
	s.metrics.RecordAutomationAction(report.TenantID, rule.ID, status)
	logger.Warn("automation action failed", zap.String("status", status), zap.Error(err))
}
