package admission

import (
	"context"
	"sync"

	surgeerrors "github.com/surgeproof/go-surge/errors"
)

// MemoryOrders is an in-memory OrderStore for tests and examples. It applies
// the same semantics as the durable implementation: per-user uniqueness then
// conditional stock decrement.
type MemoryOrders struct {
	mu     sync.Mutex
	stock  map[int64]int
	orders []Order
	byUser map[[2]int64]struct{}
}

// NewMemoryOrders returns an empty MemoryOrders.
func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		stock:  make(map[int64]int),
		byUser: make(map[[2]int64]struct{}),
	}
}

// SeedVoucher sets the durable stock for voucherID.
func (s *MemoryOrders) SeedVoucher(voucherID int64, stock int) {
	s.mu.Lock()
	s.stock[voucherID] = stock
	s.mu.Unlock()
}

// CreateOrder implements OrderStore.CreateOrder.
func (s *MemoryOrders) CreateOrder(ctx context.Context, o Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int64{o.UserID, o.VoucherID}
	if _, ok := s.byUser[key]; ok {
		return surgeerrors.ErrDuplicateOrder
	}
	if s.stock[o.VoucherID] <= 0 {
		return surgeerrors.ErrNoStock
	}
	s.stock[o.VoucherID]--
	s.byUser[key] = struct{}{}
	s.orders = append(s.orders, o)
	return nil
}

// Stock returns the remaining durable stock for voucherID.
func (s *MemoryOrders) Stock(voucherID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[voucherID]
}

// Orders returns a copy of the finalized orders in insertion order.
func (s *MemoryOrders) Orders() []Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, len(s.orders))
	copy(out, s.orders)
	return out
}
