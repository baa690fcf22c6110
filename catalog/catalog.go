// Package catalog declares the product catalog collaborator. The cart core
// never trusts a caller-supplied price: every add re-reads the current
// price from the catalog at mutation time.
package catalog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Lookup when no product exists for the ID.
// Callers translate it into their own validation error; transport failures
// are returned as distinct errors so they can be classified as retryable.
var ErrNotFound = errors.New("catalog: product not found")

// Product is the subset of a catalog entry the cart core needs. Price is
// minor currency units.
type Product struct {
	ID     string
	Name   string
	Price  int64
	Active bool
}

// Catalog looks up live product records.
type Catalog interface {
	Lookup(ctx context.Context, productID string) (*Product, error)
}
