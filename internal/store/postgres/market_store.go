package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otclabs/premarket/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, metadata, token, token_amount::text, window_seconds,
	deadline, platform_fee_bps, default_fee_bps, default_to_buyer,
	active, has_token_details, has_deadline, created_at, updated_at`

// Create inserts a new market row and returns the record with its assigned id.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) (domain.Market, error) {
	const query = `
		INSERT INTO markets (
			metadata, token, token_amount, window_seconds, deadline,
			platform_fee_bps, default_fee_bps, default_to_buyer,
			active, has_token_details, has_deadline, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, $13
		)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		m.Metadata, m.Token.Hex(), amountText(m.TokenAmount),
		int64(m.SettlementWindow/time.Second), deadlineArg(m),
		int64(m.PlatformFeeBps), int64(m.DefaultFeeBps), m.DefaultToBuyer,
		m.Active, m.HasTokenDetails, m.HasDeadline,
		m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: create market: %w", err)
	}
	return m, nil
}

// Get retrieves a market by its id.
func (s *MarketStore) Get(ctx context.Context, id uint64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrMarketNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// Update rewrites every mutable column of an existing market row.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	const query = `
		UPDATE markets SET
			metadata          = $2,
			token             = $3,
			token_amount      = $4,
			window_seconds    = $5,
			deadline          = $6,
			platform_fee_bps  = $7,
			default_fee_bps   = $8,
			default_to_buyer  = $9,
			active            = $10,
			has_token_details = $11,
			has_deadline      = $12,
			updated_at        = $13
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		int64(m.ID),
		m.Metadata, m.Token.Hex(), amountText(m.TokenAmount),
		int64(m.SettlementWindow/time.Second), deadlineArg(m),
		int64(m.PlatformFeeBps), int64(m.DefaultFeeBps), m.DefaultToBuyer,
		m.Active, m.HasTokenDetails, m.HasDeadline,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMarketNotFound
	}
	return nil
}

// List returns markets ordered by id with pagination.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets ORDER BY id`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m              domain.Market
		id             int64
		token          string
		tokenAmount    string
		windowSeconds  int64
		deadline       *time.Time
		platformFeeBps int64
		defaultFeeBps  int64
	)
	err := row.Scan(
		&id, &m.Metadata, &token, &tokenAmount, &windowSeconds,
		&deadline, &platformFeeBps, &defaultFeeBps, &m.DefaultToBuyer,
		&m.Active, &m.HasTokenDetails, &m.HasDeadline,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.Token = common.HexToAddress(token)
	m.TokenAmount, err = parseAmount(tokenAmount)
	if err != nil {
		return domain.Market{}, err
	}
	m.SettlementWindow = time.Duration(windowSeconds) * time.Second
	if deadline != nil {
		m.Deadline = *deadline
	}
	m.PlatformFeeBps = uint64(platformFeeBps)
	m.DefaultFeeBps = uint64(defaultFeeBps)
	return m, nil
}

// deadlineArg maps the unset deadline to NULL so partial rows stay honest.
func deadlineArg(m domain.Market) *time.Time {
	if !m.HasDeadline {
		return nil
	}
	d := m.Deadline
	return &d
}

// amountText renders an amount for a NUMERIC(78,0) column. Nil maps to zero.
func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount reads a NUMERIC(78,0) column back into a big.Int.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}
