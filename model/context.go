package model

import "context"

// RequestContext is the authenticated caller of one request, built from the
// verified token. Handlers read it; nothing mutates it after the middleware.
type RequestContext struct {
	SubjectID string
	Email     string
	// Role is the single role the caller acts under. Empty means none.
	Role   string
	Claims map[string]any

	CorrelationID string
	TraceID       string
	SpanID        string
}

// Authenticated reports whether the token named a subject.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.SubjectID != ""
}

func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && role != "" && rc.Role == role
}

// Claim reads a claim by dot path, e.g. "realm_access.roles".
func (rc *RequestContext) Claim(path string) Value {
	if rc == nil || rc.Claims == nil {
		return Null()
	}
	return FromAny(rc.Claims).At(path)
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil outside an
// authenticated request.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
