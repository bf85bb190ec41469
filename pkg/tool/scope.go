package tool

import "context"

// Scope is the invocation context the runner attaches before tool
// dispatch. Adapters that fan out to other agents use it to link child
// work back to the calling run and thread.
type Scope struct {
	ThreadID string
	UserID   string
	RunID    string
}

type scopeKey struct{}

// WithScope attaches the caller's scope to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the attached scope, zero valued when absent.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}
