package admission

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	surgeerrors "github.com/surgeproof/go-surge/errors"
)

// PostgresOrders implements OrderStore over a pgx connection pool.
//
// Expected schema:
//
//	CREATE TABLE seckill_vouchers (
//	    voucher_id BIGINT PRIMARY KEY,
//	    stock      INT NOT NULL CHECK (stock >= 0)
//	);
//	CREATE TABLE voucher_orders (
//	    id         BIGINT PRIMARY KEY,
//	    user_id    BIGINT NOT NULL,
//	    voucher_id BIGINT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (user_id, voucher_id)
//	);
type PostgresOrders struct {
	pool *pgxpool.Pool
}

// NewPostgresOrders returns an OrderStore backed by the given pool.
func NewPostgresOrders(pool *pgxpool.Pool) *PostgresOrders {
	return &PostgresOrders{pool: pool}
}

// CreateOrder implements OrderStore.CreateOrder. The duplicate re-check, the
// conditional stock decrement and the insert run in one transaction.
func (s *PostgresOrders) CreateOrder(ctx context.Context, o Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return surgeerrors.Wrap(err, "begin order transaction")
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var count int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM voucher_orders WHERE user_id = $1 AND voucher_id = $2`,
		o.UserID, o.VoucherID).Scan(&count)
	if err != nil {
		return surgeerrors.Wrap(err, "check existing order")
	}
	if count > 0 {
		return surgeerrors.ErrDuplicateOrder
	}

	tag, err := tx.Exec(ctx,
		`UPDATE seckill_vouchers SET stock = stock - 1 WHERE voucher_id = $1 AND stock > 0`,
		o.VoucherID)
	if err != nil {
		return surgeerrors.Wrap(err, "decrement stock")
	}
	if tag.RowsAffected() == 0 {
		return surgeerrors.ErrNoStock
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO voucher_orders (id, user_id, voucher_id, created_at) VALUES ($1, $2, $3, $4)`,
		o.ID, o.UserID, o.VoucherID, o.CreatedAt)
	if err != nil {
		return surgeerrors.Wrap(err, "insert order")
	}

	if err := tx.Commit(ctx); err != nil {
		return surgeerrors.Wrap(err, "commit order transaction")
	}
	tx = nil
	return nil
}

// Stock returns the persisted stock for voucherID, for reconciliation jobs
// comparing optimistic acceptances against durable state.
func (s *PostgresOrders) Stock(ctx context.Context, voucherID int64) (int, error) {
	var stock int
	err := s.pool.QueryRow(ctx,
		`SELECT stock FROM seckill_vouchers WHERE voucher_id = $1`, voucherID).Scan(&stock)
	if err != nil {
		return 0, surgeerrors.Wrap(err, "query stock")
	}
	return stock, nil
}
