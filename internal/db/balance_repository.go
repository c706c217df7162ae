package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/remitware/payment-proxy/internal/domain"
)

// BalanceRepository implements domain.BalanceRepository using PostgreSQL.
// Amounts cross the SQL boundary as text: NUMERIC values never pass through
// a binary float.
type BalanceRepository struct {
	pool *pgxpool.Pool
}

// NewBalanceRepository creates a new BalanceRepository.
func NewBalanceRepository(pool *pgxpool.Pool) *BalanceRepository {
	return &BalanceRepository{pool: pool}
}

// GetByPartnership retrieves the balance of a partnership.
func (r *BalanceRepository) GetByPartnership(ctx context.Context, partnershipID int64) (*domain.Balance, error) {
	query := `
		SELECT partnership_id, amount::text, currency
		FROM balances
		WHERE partnership_id = $1
	`

	row := conn(ctx, r.pool).QueryRow(ctx, query, partnershipID)

	balance, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no balance for partnership %d", partnershipID)
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// Decrement applies the relative update amount = amount - delta and returns
// the post-decrement balance. The subtraction happens in the database so
// concurrent decrements serialize on the row without lost updates.
func (r *BalanceRepository) Decrement(ctx context.Context, partnershipID int64, delta decimal.Decimal) (*domain.Balance, error) {
	query := `
		UPDATE balances
		SET amount = amount - $2::numeric,
		    updated_at = now()
		WHERE partnership_id = $1
		RETURNING partnership_id, amount::text, currency
	`

	row := conn(ctx, r.pool).QueryRow(ctx, query, partnershipID, delta.String())

	balance, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no balance for partnership %d", partnershipID)
		}
		return nil, fmt.Errorf("failed to decrement balance: %w", err)
	}
	return balance, nil
}

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var (
		balance domain.Balance
		amount  string
	)
	if err := row.Scan(&balance.PartnershipID, &amount, &balance.Currency); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid balance amount %q: %w", amount, err)
	}
	balance.Amount = parsed
	return &balance, nil
}
