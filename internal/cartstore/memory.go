package cartstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"finitefield.org/storefront/internal/cart"
)

// MemoryStore keeps carts in process memory.
type MemoryStore struct {
	currency string
	seed     SeedFunc
	now      func() time.Time

	mu     sync.Mutex
	carts  map[string][]cart.Item
	seeded map[string]bool
}

// NewMemoryStore builds an empty store. seed may be nil.
func NewMemoryStore(currency string, seed SeedFunc) *MemoryStore {
	if currency == "" {
		currency = "JPY"
	}
	return &MemoryStore{
		currency: strings.ToUpper(currency),
		seed:     seed,
		now:      time.Now,
		carts:    make(map[string][]cart.Item),
		seeded:   make(map[string]bool),
	}
}

func (s *MemoryStore) itemsLocked(userID string) []cart.Item {
	if !s.seeded[userID] {
		s.seeded[userID] = true
		if s.seed != nil {
			s.carts[userID] = append([]cart.Item(nil), s.seed(userID)...)
		}
	}
	return s.carts[userID]
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string) (cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.itemsLocked(userID)
	return cart.Cart{Currency: s.currency, Items: append([]cart.Item(nil), items...)}, nil
}

// SetQuantity implements Store.
func (s *MemoryStore) SetQuantity(_ context.Context, userID, itemID string, quantity int) error {
	if !cart.ValidQuantity(quantity) {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.itemsLocked(userID)
	for i := range items {
		if items[i].ID == itemID {
			items[i].Quantity = quantity
			return nil
		}
	}
	return ErrItemNotFound
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, userID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.itemsLocked(userID)
	for i := range items {
		if items[i].ID == itemID {
			s.carts[userID] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded[userID] = true
	delete(s.carts, userID)
	return nil
}

// Add implements Store. An item with the ID of an existing line adds to its
// quantity.
func (s *MemoryStore) Add(_ context.Context, userID string, item cart.Item) (cart.Item, error) {
	if !cart.ValidQuantity(item.Quantity) {
		return cart.Item{}, ErrInvalidQuantity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.itemsLocked(userID)
	if item.ID == "" {
		item.ID = NewItemID(s.now())
	}
	if item.Currency == "" {
		item.Currency = s.currency
	}
	for i := range items {
		if items[i].ID == item.ID {
			if !cart.ValidQuantity(items[i].Quantity + item.Quantity) {
				return cart.Item{}, ErrInvalidQuantity
			}
			items[i].Quantity += item.Quantity
			return items[i], nil
		}
	}
	s.carts[userID] = append(items, item)
	return item, nil
}
