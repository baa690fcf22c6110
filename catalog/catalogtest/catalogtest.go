// Package catalogtest provides an in-memory catalog for tests and
// single-node examples.
package catalogtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/feastly/cartsync/catalog"
)

// Static is a thread-safe in-memory catalog. Prices can be changed between
// calls to exercise the price-authority contract, and Fail can inject a
// transport error.
type Static struct {
	mu       sync.Mutex
	products map[string]catalog.Product
	failWith error
}

func New() *Static {
	return &Static{products: make(map[string]catalog.Product)}
}

// Put inserts or replaces a product record.
func (s *Static) Put(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// SetPrice changes the live price of an existing product.
func (s *Static) SetPrice(productID string, price int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return
	}
	p.Price = price
	s.products[productID] = p
}

// Deactivate marks a product inactive without removing it.
func (s *Static) Deactivate(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return
	}
	p.Active = false
	s.products[productID] = p
}

// Fail makes every subsequent Lookup return err. Pass nil to heal.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Static) Lookup(ctx context.Context, productID string) (*catalog.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	p, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, productID)
	}
	cp := p
	return &cp, nil
}

var _ catalog.Catalog = (*Static)(nil)
