package provider

import "context"

type preferenceKey struct{}

// WithPreference scopes a route preference to one unit of work. Task-level
// preference travels on the context so tool implementations pick it up
// without widening their call signatures.
func WithPreference(ctx context.Context, preference string) context.Context {
	if preference == "" {
		return ctx
	}
	return context.WithValue(ctx, preferenceKey{}, preference)
}

// PreferenceFromContext returns the scoped route preference, or "" when
// none was set.
func PreferenceFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(preferenceKey{}).(string); ok {
		return p
	}
	return ""
}
