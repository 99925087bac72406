package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otclabs/premarket/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. The orders table
// is append-then-update: rows are never deleted, and the primary key on the
// content hash enforces that a hash is only ever recorded once.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderCols = `hash, maker, market_id, price::text, salt::text, taker,
	maker_collateral::text, taker_collateral::text, status, created_at, updated_at`

// Create inserts a new order row. A duplicate hash, live or terminal, maps to
// domain.ErrOrderExists.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			hash, maker, market_id, price, salt, taker,
			maker_collateral, taker_collateral, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		o.Hash.Hex(), o.Maker.Hex(), int64(o.MarketID),
		amountText(o.Price), amountText(o.Salt), o.Taker.Hex(),
		amountText(o.MakerCollateral), amountText(o.TakerCollateral),
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrOrderExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.Hash.Hex(), err)
	}
	return nil
}

// Get retrieves an order by its content hash.
func (s *OrderStore) Get(ctx context.Context, hash common.Hash) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE hash = $1`, hash.Hex())
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", hash.Hex(), err)
	}
	return o, nil
}

// Update rewrites the mutable columns of an existing order row.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			taker            = $2,
			maker_collateral = $3,
			taker_collateral = $4,
			status           = $5,
			updated_at       = $6
		WHERE hash = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.Hash.Hex(), o.Taker.Hex(),
		amountText(o.MakerCollateral), amountText(o.TakerCollateral),
		string(o.Status), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.Hash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// ListByMarket returns a market's orders in creation order with pagination.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE market_id = $1 ORDER BY created_at`
	args := []any{int64(marketID)}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for market %d: %w", marketID, err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListTerminalBefore returns terminal orders last touched strictly before the
// cutoff, oldest first.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	const query = `
		SELECT ` + orderCols + ` FROM orders
		WHERE status IN ('fulfilled', 'cancelled', 'defaulted')
		  AND updated_at < $1
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// SumLiveCollateral totals currency held in custody across live orders.
func (s *OrderStore) SumLiveCollateral(ctx context.Context) (*big.Int, error) {
	const query = `
		SELECT COALESCE(SUM(maker_collateral + taker_collateral), 0)::text
		FROM orders
		WHERE status IN ('active', 'matched')`

	var total string
	if err := s.pool.QueryRow(ctx, query).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: sum live collateral: %w", err)
	}
	sum, err := parseAmount(total)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum live collateral: %w", err)
	}
	return sum, nil
}

// AppendUserOrder appends a hash to the user's order index.
func (s *OrderStore) AppendUserOrder(ctx context.Context, user common.Address, hash common.Hash) error {
	const query = `
		INSERT INTO user_orders (user_address, seq, order_hash)
		SELECT $1, COALESCE(MAX(seq) + 1, 0), $2
		FROM user_orders WHERE user_address = $1`

	_, err := s.pool.Exec(ctx, query, user.Hex(), hash.Hex())
	if err != nil {
		return fmt.Errorf("postgres: append user order for %s: %w", user.Hex(), err)
	}
	return nil
}

// UserOrderCount returns the length of the user's order index.
func (s *OrderStore) UserOrderCount(ctx context.Context, user common.Address) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM user_orders WHERE user_address = $1",
		user.Hex(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count user orders for %s: %w", user.Hex(), err)
	}
	return count, nil
}

// UserOrderAt returns the hash at the given zero-based index position.
func (s *OrderStore) UserOrderAt(ctx context.Context, user common.Address, index int64) (common.Hash, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT order_hash FROM user_orders WHERE user_address = $1 AND seq = $2",
		user.Hex(), index,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Hash{}, domain.ErrOrderNotFound
		}
		return common.Hash{}, fmt.Errorf("postgres: user order %s[%d]: %w", user.Hex(), index, err)
	}
	return common.HexToHash(hash), nil
}

// scanOrder scans a single order row into a domain.Order.
func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o               domain.Order
		hash            string
		maker           string
		marketID        int64
		price           string
		salt            string
		taker           string
		makerCollateral string
		takerCollateral string
		status          string
	)
	err := row.Scan(
		&hash, &maker, &marketID, &price, &salt, &taker,
		&makerCollateral, &takerCollateral, &status,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Hash = common.HexToHash(hash)
	o.Maker = common.HexToAddress(maker)
	o.MarketID = uint64(marketID)
	o.Taker = common.HexToAddress(taker)
	o.Status = domain.OrderStatus(status)
	if o.Price, err = parseAmount(price); err != nil {
		return domain.Order{}, err
	}
	if o.Salt, err = parseAmount(salt); err != nil {
		return domain.Order{}, err
	}
	if o.MakerCollateral, err = parseAmount(makerCollateral); err != nil {
		return domain.Order{}, err
	}
	if o.TakerCollateral, err = parseAmount(takerCollateral); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: order rows: %w", err)
	}
	return orders, nil
}
