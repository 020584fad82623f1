package market

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	orders   map[string]*Order
	disputes map[string][]*Dispute // keyed by order ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		orders:   make(map[string]*Order),
		disputes: make(map[string][]*Dispute),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateListing(ctx context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[listing.ID]; ok {
		return ErrDuplicateID
	}
	cp := *listing
	m.listings[listing.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listing, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	// Copy to prevent races on the shared pointer.
	cp := *listing
	return &cp, nil
}

func (m *MemoryStore) UpdateListing(ctx context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[listing.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *listing
	m.listings[listing.ID] = &cp
	return nil
}

func (m *MemoryStore) ListListings(ctx context.Context, status ListingStatus, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if status != "" && l.Status != status {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return ErrDuplicateID
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, status OrderStatus, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if status != "" && o.Status != status {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetActiveOrderByListing(ctx context.Context, listingID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.ListingID == listingID && !o.Status.IsTerminal() {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != OrderDelivered || o.DeliveredAt == nil || !o.DeliveredAt.Before(cutoff) {
			continue
		}
		cp := *o
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, dispute *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *dispute
	m.disputes[dispute.OrderID] = append(m.disputes[dispute.OrderID], &cp)
	return nil
}

func (m *MemoryStore) ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	disputes := m.disputes[orderID]
	result := make([]*Dispute, 0, len(disputes))
	for _, d := range disputes {
		cp := *d
		result = append(result, &cp)
	}
	return result, nil
}
