package auth

import "context"

// Principal is the identity a unit of work executes under. Validation
// tasks run as the worker's system principal rather than any end-user
// identity; downstream clients read it from the context when attaching
// credentials to outbound calls.
type Principal struct {
	Subject string
	Tenant  string
	System  bool
}

type ctxKey struct{}

// SystemPrincipal returns the principal used for pipeline-internal work.
func SystemPrincipal(serviceKind, tenant string) Principal {
	return Principal{
		Subject: serviceKind,
		Tenant:  tenant,
		System:  true,
	}
}

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom extracts the principal from the context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
