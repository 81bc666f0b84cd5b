// Package requestid attaches a correlation id to a context so it can be
// picked up by logging, metrics, and error messages further down the call
// stack without threading an extra parameter through every function.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New returns a fresh correlation id, suitable for an inbound HTTP request
// or a dispatcher/worker tick.
func New() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the id attached by WithRequestID, or "" if none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
