// Package traceid threads a per-submission correlation ID through
// context.Context so a single submission's Worker and Dispatcher.Handle log
// lines can be grepped out of the log stream together. The sandbox Runner
// does not log.
package traceid

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// New generates a fresh correlation ID and attaches it to ctx.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, contextKey{}, id), id
}

// From returns the correlation ID attached to ctx, or "" if none was set.
func From(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
