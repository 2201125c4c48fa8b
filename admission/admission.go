// Package admission implements admission control for limited-inventory
// order submission. A single atomic script against the shared store decides
// eligibility (stock left, user has no prior order); admitted submissions
// receive an order id immediately and are finalized into durable storage by
// one background consumer under a per-user lock.
//
// Acceptance is optimistic: the returned id is reserved but the order row is
// written asynchronously, and a finalization that loses a race is logged and
// dropped rather than retried. Operators must reconcile accepted ids against
// actual rows periodically; the pipeline itself never re-drives a drop.
package admission

import "time"

// Status classifies the outcome of an admission check.
type Status int

const (
	// Accepted means the submission passed the atomic check and was queued
	// for finalization.
	Accepted Status = iota
	// NoStock means the voucher's remaining stock was exhausted.
	NoStock
	// Duplicate means the user already holds an order for the voucher.
	Duplicate
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case NoStock:
		return "no_stock"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result is the synchronous answer to a submission. OrderID is only set for
// Accepted results.
type Result struct {
	Status  Status
	OrderID int64
}

// Order is an admitted submission awaiting finalization.
type Order struct {
	ID        int64
	UserID    int64
	VoucherID int64
	CreatedAt time.Time
}
