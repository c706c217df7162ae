package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/remitware/payment-proxy/internal/domain"
)

const operationColumns = `
	id, opid, fingerprint, partnership_id,
	initiator_opid, payment_system_opid, payment_system_status,
	status,
	initial_amount::text, initiator_currency,
	customer_amount::text, customer_currency,
	amount_to_deduct::text, balance_currency,
	created_at, finished_at
`

// OperationRepository implements domain.OperationRepository using PostgreSQL.
type OperationRepository struct {
	pool *pgxpool.Pool
}

// NewOperationRepository creates a new OperationRepository.
func NewOperationRepository(pool *pgxpool.Pool) *OperationRepository {
	return &OperationRepository{pool: pool}
}

// Create persists a new operation record and fills in its ID and CreatedAt.
func (r *OperationRepository) Create(ctx context.Context, op *domain.Operation) error {
	query := `
		INSERT INTO operations (
			opid, fingerprint, partnership_id, initiator_opid, status,
			initial_amount, initiator_currency,
			customer_amount, customer_currency,
			amount_to_deduct, balance_currency
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10::numeric, $11)
		RETURNING id, created_at
	`

	err := conn(ctx, r.pool).QueryRow(ctx, query,
		op.OpID,
		op.Fingerprint,
		op.PartnershipID,
		op.InitiatorOpID,
		string(op.Status),
		op.InitialAmount.String(),
		op.InitiatorCurrency,
		op.CustomerAmount.String(),
		op.CustomerCurrency,
		op.AmountToDeduct.String(),
		op.BalanceCurrency,
	).Scan(&op.ID, &op.CreatedAt)

	if err != nil {
		// The partial unique index on (partnership_id, fingerprint) rejects a
		// second live operation for the same fingerprint.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", domain.ErrAmbiguousOperation, op.Fingerprint)
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// GetByOpID retrieves an operation by its public id within a partnership.
// Returns nil when no such operation exists.
func (r *OperationRepository) GetByOpID(ctx context.Context, partnershipID int64, opid string) (*domain.Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE partnership_id = $1 AND opid = $2
	`

	row := conn(ctx, r.pool).QueryRow(ctx, query, partnershipID, opid)

	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get operation by opid: %w", err)
	}
	return op, nil
}

// FindActiveByFingerprint returns the non-terminal operations matching a
// fingerprint.
func (r *OperationRepository) FindActiveByFingerprint(ctx context.Context, partnershipID int64, fingerprint string) ([]*domain.Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE partnership_id = $1
		  AND fingerprint = $2
		  AND status IN ('NEW', 'PAYMENT_INITIALIZED')
	`

	rows, err := conn(ctx, r.pool).Query(ctx, query, partnershipID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to find operations by fingerprint: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

// InitializePayment performs the guarded NEW -> PAYMENT_INITIALIZED
// transition as one conditional statement. Zero rows affected means the
// operation was no longer NEW.
func (r *OperationRepository) InitializePayment(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE operations
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		id, string(domain.StatusPaymentInitialized), string(domain.StatusNew))
	if err != nil {
		return false, fmt.Errorf("failed to initialize payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update persists the operation's status, provider references and finish
// time.
func (r *OperationRepository) Update(ctx context.Context, op *domain.Operation) error {
	query := `
		UPDATE operations
		SET status = $2,
		    payment_system_opid = $3,
		    payment_system_status = $4,
		    finished_at = $5,
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		op.ID,
		string(op.Status),
		op.PaymentSystemOpID,
		op.PaymentSystemStatus,
		op.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %d not found", op.ID)
	}
	return nil
}

// LockFingerprint takes a transaction-scoped advisory lock keyed by
// (partnership, fingerprint), serializing concurrent Checks on the same
// logical transfer. Released automatically on commit or rollback.
func (r *OperationRepository) LockFingerprint(ctx context.Context, partnershipID int64, fingerprint string) error {
	tx := getTx(ctx)
	if tx == nil {
		return errors.New("fingerprint lock requires a transaction")
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(partnershipID, fingerprint)); err != nil {
		return fmt.Errorf("failed to lock fingerprint: %w", err)
	}
	return nil
}

// ExpireStale marks non-terminal operations created before the cutoff as
// EXPIRED. This is the sweeper hook; request handling checks expiry lazily.
func (r *OperationRepository) ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error) {
	query := `
		UPDATE operations
		SET status = $1, finished_at = now(), updated_at = now()
		WHERE status IN ('NEW', 'PAYMENT_INITIALIZED')
		  AND created_at < $2
	`

	tag, err := conn(ctx, r.pool).Exec(ctx, query, string(domain.StatusExpired), createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to expire operations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// advisoryKey folds (partnership, fingerprint) into the 64-bit key space of
// pg_advisory_xact_lock.
func advisoryKey(partnershipID int64, fingerprint string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", partnershipID, fingerprint)
	return int64(h.Sum64())
}

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var (
		op             domain.Operation
		status         string
		initialAmount  string
		customerAmount string
		amountToDeduct string
	)

	err := row.Scan(
		&op.ID,
		&op.OpID,
		&op.Fingerprint,
		&op.PartnershipID,
		&op.InitiatorOpID,
		&op.PaymentSystemOpID,
		&op.PaymentSystemStatus,
		&status,
		&initialAmount,
		&op.InitiatorCurrency,
		&customerAmount,
		&op.CustomerCurrency,
		&amountToDeduct,
		&op.BalanceCurrency,
		&op.CreatedAt,
		&op.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Status = domain.OperationStatus(status)
	if op.InitialAmount, err = decimal.NewFromString(initialAmount); err != nil {
		return nil, fmt.Errorf("invalid initial amount %q: %w", initialAmount, err)
	}
	if op.CustomerAmount, err = decimal.NewFromString(customerAmount); err != nil {
		return nil, fmt.Errorf("invalid customer amount %q: %w", customerAmount, err)
	}
	if op.AmountToDeduct, err = decimal.NewFromString(amountToDeduct); err != nil {
		return nil, fmt.Errorf("invalid amount to deduct %q: %w", amountToDeduct, err)
	}
	return &op, nil
}
