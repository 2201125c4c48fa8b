// Package errors defines the error taxonomy shared by the surge packages.
// All sentinels are comparable with errors.Is; Wrap and Mark attach context
// without breaking that comparability.
package errors

import "errors"

var (
	// ErrNotFound indicates the value is absent from both the cache and the
	// backing source.
	ErrNotFound = errors.New("not found")
	// ErrNoStock indicates the voucher has no remaining stock.
	ErrNoStock = errors.New("no stock")
	// ErrDuplicateOrder indicates the user already holds an order for the
	// voucher.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrLockBusy indicates a lock acquisition gave up while another owner
	// held the lock.
	ErrLockBusy = errors.New("lock busy")
	// ErrSerialization indicates a stored payload could not be decoded.
	ErrSerialization = errors.New("serialization failure")
	// ErrStoreUnavailable indicates a transport or backend failure on a
	// shared-store operation.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQueueFull indicates the admission queue rejected an enqueue.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed indicates the component has been shut down.
	ErrClosed = errors.New("closed")
	// ErrTimeout indicates a store operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)
