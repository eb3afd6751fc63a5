package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// RequestContext carries the identity and tenancy of an authenticated caller.
// It is immutable after construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that SubjectID and TenantID are present and that the
// subject cannot be mistaken for an automation actor in the audit trail.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if IsAutomationActor(rc.SubjectID) {
		errs = append(errs, fmt.Errorf("SubjectID %q uses the reserved automation prefix", rc.SubjectID))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	return errors.Join(errs...)
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

// Actor is the identity recorded on audit entries for human-initiated changes.
func (rc *RequestContext) Actor() string {
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
