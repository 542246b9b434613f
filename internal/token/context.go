package token

import "context"

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims returns a context carrying the validated claims of the
// request's access token, for downstream handlers and the RBAC middleware.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the claims stashed by WithClaims, or nil if none
// were set.
func ClaimsFromContext(ctx context.Context) *Claims {
	v := ctx.Value(claimsKey)
	if v == nil {
		return nil
	}
	c, _ := v.(*Claims)
	return c
}
