package shared

import "context"

type clientContextKey struct{}

// Client describes the originating HTTP client of a request. The values are
// advisory metadata for audit records, never authorization inputs.
type Client struct {
	IP          string
	UserAgent   string
	Fingerprint string
	RequestID   string
}

// ContextWithClient stores client metadata in context.
func ContextWithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, c)
}

// ClientFromContext extracts client metadata from context.
func ClientFromContext(ctx context.Context) Client {
	c, _ := ctx.Value(clientContextKey{}).(Client)
	return c
}
