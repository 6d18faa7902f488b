package model

import (
	"context"
	"errors"
)

// RequestContext is the authenticated caller of a request: who they are,
// which tenant's contractors they may touch and the ids used to correlate
// their request across logs and traces. It is not modified after the
// authentication middleware builds it.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

var (
	errNoSubject = errors.New("subject is required")
	errNoTenant  = errors.New("tenant is required")
)

// Validate reports every missing identity field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// Actor is the id recorded on workflow events the caller causes.
func (rc *RequestContext) Actor() string {
	if rc == nil || rc.SubjectID == "" {
		return "system"
	}
	return rc.SubjectID
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
