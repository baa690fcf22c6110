package catalog

import (
	"context"
	"errors"

	"github.com/sony/gobreaker/v2"
)

// WithBreaker wraps a catalog in a circuit breaker so that a struggling
// catalog backend fails fast instead of stalling every cart mutation.
// ErrNotFound is a valid answer, not a failure, and never trips the
// breaker.
func WithBreaker(inner Catalog, name string) Catalog {
	cb := gobreaker.NewCircuitBreaker[*Product](gobreaker.Settings{
		Name: name,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
	return &breakerCatalog{inner: inner, cb: cb}
}

type breakerCatalog struct {
	inner Catalog
	cb    *gobreaker.CircuitBreaker[*Product]
}

func (b *breakerCatalog) Lookup(ctx context.Context, productID string) (*Product, error) {
	return b.cb.Execute(func() (*Product, error) {
		return b.inner.Lookup(ctx, productID)
	})
}

var _ Catalog = (*breakerCatalog)(nil)
