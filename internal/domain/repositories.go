package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/remitware/payment-proxy/internal/gateway"
)

// BalanceRepository is the data access contract for partnership balances.
type BalanceRepository interface {
	// GetByPartnership retrieves the balance of a partnership. Reads issued
	// inside a transaction context observe the transaction's snapshot.
	GetByPartnership(ctx context.Context, partnershipID int64) (*Balance, error)

	// Decrement applies a relative update (amount = amount - delta) and
	// returns the post-decrement balance. The new value is computed by the
	// database, never in application code from a previously fetched value,
	// so concurrent decrements cannot lose updates.
	Decrement(ctx context.Context, partnershipID int64, delta decimal.Decimal) (*Balance, error)
}

// OperationRepository is the persistence contract for the operation ledger.
type OperationRepository interface {
	// Create persists a new operation and fills in its ID and CreatedAt.
	// Returns ErrAmbiguousOperation if a non-terminal operation with the
	// same (partnership, fingerprint) already exists.
	Create(ctx context.Context, op *Operation) error

	// GetByOpID retrieves an operation by its public id within a
	// partnership. Returns nil when no such operation exists.
	GetByOpID(ctx context.Context, partnershipID int64, opid string) (*Operation, error)

	// FindActiveByFingerprint returns the non-terminal operations matching a
	// fingerprint, regardless of age. Expiry is the caller's concern.
	FindActiveByFingerprint(ctx context.Context, partnershipID int64, fingerprint string) ([]*Operation, error)

	// InitializePayment performs the conditional NEW -> PAYMENT_INITIALIZED
	// transition as a single guarded write. Returns false when the operation
	// was no longer in status NEW, which the caller treats as
	// already-in-progress.
	InitializePayment(ctx context.Context, id int64) (bool, error)

	// Update persists the operation's status, provider references and finish
	// time.
	Update(ctx context.Context, op *Operation) error

	// LockFingerprint serializes concurrent Checks on the same
	// (partnership, fingerprint). Must be called inside a transaction; the
	// lock is released on commit or rollback.
	LockFingerprint(ctx context.Context, partnershipID int64, fingerprint string) error

	// ExpireStale marks non-terminal operations created before the cutoff as
	// EXPIRED and returns how many were affected. This is the hook a
	// periodic sweeper would call; the engine itself only checks expiry
	// lazily on read.
	ExpireStale(ctx context.Context, createdBefore time.Time) (int64, error)
}

// SettingsRepository reads the provisioned, engine-read-only configuration:
// partnerships, fee terms, currency mappings and payment systems.
type SettingsRepository interface {
	// GetPartnershipByDomain resolves a partnership from its proxy domain.
	// Returns ErrPartnershipNotFound when no partnership is bound to it.
	GetPartnershipByDomain(ctx context.Context, domain string) (*Partnership, error)

	// GetFeeTerms selects the most recently created fee record for
	// (partnership, service type) whose validity window contains activeAt.
	// Returns nil when none matches.
	GetFeeTerms(ctx context.Context, partnershipID int64, serviceType string, activeAt time.Time) (*ServiceFee, error)

	// GetServiceCurrency resolves the customer currency and destination
	// country for (partnership, service type). Returns nil when unmapped.
	GetServiceCurrency(ctx context.Context, partnershipID int64, serviceType string) (*ServiceCurrency, error)

	// ListPaymentSystems returns all provisioned payment providers.
	ListPaymentSystems(ctx context.Context) ([]*PaymentSystem, error)
}

// TransactionManager executes a function within a database transaction. If
// the function returns an error the transaction is rolled back, otherwise it
// is committed.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AdapterRegistry resolves a partnership's provider name to its gateway
// adapter.
type AdapterRegistry interface {
	Get(name string) (gateway.Adapter, error)
}

// EventPublisher publishes domain events to external systems. Pass nil to the
// engine if no events should be emitted.
type EventPublisher interface {
	PublishOperationCompleted(ctx context.Context, op *Operation) error
}
