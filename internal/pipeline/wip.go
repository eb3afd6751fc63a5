package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/pipeline/model"
)

// LiveCounter reports the number of non-archived cards in a stage.
type LiveCounter interface {
	CountLive(ctx context.Context, tenantID, stage string) (int, error)
}

// WIPLimiter serializes entries into capacity-limited stages. A reservation
// holds the stage's slot until released, so the live count read by Reserve
// cannot change underneath the commit that follows. Counts are derived from
// the store on every Reserve; nothing is cached.
//
// The exclusion is per process. Stores re-check the limit inside their
// commit transaction to cover multiple processes.
type WIPLimiter struct {
	counter LiveCounter

	mu    sync.Mutex
	slots map[string]chan struct{} // key: tenant + "/" + stage
}

// NewWIPLimiter creates a limiter that reads live counts from counter.
func NewWIPLimiter(counter LiveCounter) *WIPLimiter {
	return &WIPLimiter{
		counter: counter,
		slots:   make(map[string]chan struct{}),
	}
}

// Token is a held reservation. The zero Token and a nil *Token are valid
// no-op reservations.
type Token struct {
	Stage string
	Limit int

	slot     chan struct{}
	released atomic.Bool
}

// Limited reports whether the token holds a slot in a limited stage.
func (t *Token) Limited() bool {
	return t != nil && t.slot != nil
}

// Release frees the reservation. It is idempotent.
func (t *Token) Release() {
	if t == nil || t.slot == nil {
		return
	}
	if t.released.CompareAndSwap(false, true) {
		<-t.slot
	}
}

// Reserve claims a slot in stage for one entering card. Stages without a WIP
// limit always succeed with a no-op token. If the stage already holds
// wip_limit or more live cards, Reserve fails with CAPACITY_EXCEEDED; cards
// above a lowered limit are left in place. Reserve blocks while another
// reservation for the same stage is outstanding, or until ctx is done.
func (l *WIPLimiter) Reserve(ctx context.Context, tenantID string, stage model.StageDefinition) (*Token, error) {
	if !stage.HasWIPLimit() {
		return &Token{Stage: stage.ID}, nil
	}
	limit := *stage.WIPLimit

	slot := l.slot(tenantID, stage.ID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n, err := l.counter.CountLive(ctx, tenantID, stage.ID)
	if err != nil {
		<-slot
		return nil, fmt.Errorf("wip: counting stage %q: %w", stage.ID, err)
	}
	if n >= limit {
		<-slot
		return nil, model.NewCapacityExceededError(stage.ID, limit)
	}

	return &Token{Stage: stage.ID, Limit: limit, slot: slot}, nil
}

// Release frees tok. Releasing twice, or releasing a no-op token, is a no-op.
func (l *WIPLimiter) Release(tok *Token) {
	tok.Release()
}

func (l *WIPLimiter) slot(tenantID, stage string) chan struct{} {
	key := tenantID + "/" + stage
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}
