// Package reqid carries a request or fetch id through a context so events
// emitted for the same operation can be correlated.
package reqid

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// key is the context key for the request ID.
type key struct{}

// New returns a fresh, lexically sortable id.
func New() string { return ulid.Make().String() }

// NewContext returns a copy of parent with a new request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, string) {
	id := New()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(key{}).(string)
	return id, ok
}
