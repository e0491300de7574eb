package auth

import "context"

type contextKey int

const (
	decisionKey contextKey = iota
	identityKey
	callerKey
)

// ContextWithDecision attaches an allow decision for downstream handlers.
func ContextWithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision attached by [Middleware] or
// [UnaryServerInterceptor].
//
//	d, ok := auth.DecisionFromContext(r.Context())
//	if !ok || !d.Allowed() {
//	    http.Error(w, "forbidden", http.StatusForbidden)
//	    return
//	}
//	tier := d.Context[auth.AttrTier]
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}

// ContextWithIdentity attaches a typed identity.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the typed identity of the current request.
// It is absent when the decision came from the decision cache; handlers
// that only need attributes should use [DecisionFromContext].
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id != nil
}

// ContextWithCaller records the client address used in deny logs.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller recorded by [ContextWithCaller].
func CallerFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(callerKey).(string)
	return c, ok
}
