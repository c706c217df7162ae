package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentSystem identifies an external payment provider. The name matches a
// registered gateway adapter, the API origin is where its HTTP API lives.
type PaymentSystem struct {
	ID        int64
	Name      string
	APIOrigin string
}

// Partnership is a tenant: the binding of a proxy domain, an initiator domain
// and a payment provider. Partnerships are provisioned out of band and are
// read-only to the engine.
type Partnership struct {
	ID              int64
	Domain          string // proxy domain the initiator calls
	InitiatorDomain string
	PaymentSystem   string // provider name, resolves a gateway adapter
	IsActive        bool
}

// Balance is the single money counter of a partnership. It is mutated only by
// the Payment phase, always via a relative update executed by the storage
// layer.
type Balance struct {
	PartnershipID int64
	Amount        decimal.Decimal
	Currency      string
}

// ServiceFee is a time-scoped fee-terms record for (partnership, service
// type). Several overlapping records may exist; selection picks the most
// recently created one whose validity window contains the evaluation instant.
type ServiceFee struct {
	ID                   int64
	PartnershipID        int64
	ServiceType          string
	Fix                  decimal.Decimal
	Percent              decimal.Decimal
	PaymentSystemPercent decimal.Decimal
	Insurance            decimal.Decimal
	InitiatorCurrency    string
	ActiveFrom           time.Time
	ActiveUntil          *time.Time // nil means open-ended
	CreatedAt            time.Time
}

// Covers reports whether the fee record's validity window contains at.
func (f *ServiceFee) Covers(at time.Time) bool {
	if f.ActiveFrom.After(at) {
		return false
	}
	return f.ActiveUntil == nil || f.ActiveUntil.After(at)
}

// ServiceCurrency maps (partnership, service type) to the customer currency
// and the recipient's destination country.
type ServiceCurrency struct {
	PartnershipID int64
	ServiceType   string
	Currency      string
	Country       string // ISO 3166-1 alpha-3
}

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	// StatusNew is the initial status, set by a successful Check.
	StatusNew OperationStatus = "NEW"

	// StatusPaymentInitialized marks an operation whose provider call is in
	// flight. The NEW -> PAYMENT_INITIALIZED transition is the concurrency
	// guard for Payment.
	StatusPaymentInitialized OperationStatus = "PAYMENT_INITIALIZED"

	// StatusCompleted is terminal: the provider accepted the order and the
	// balance was decremented.
	StatusCompleted OperationStatus = "COMPLETED"

	// StatusPaymentFailed is terminal: the provider call failed.
	StatusPaymentFailed OperationStatus = "PAYMENT_FAILED"

	// StatusExpired is terminal: the operation outlived the operation
	// lifetime before completing.
	StatusExpired OperationStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible from s.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPaymentFailed, StatusExpired:
		return true
	}
	return false
}

// Operation is one transfer attempt, tracked through the Check and Payment
// phases. The monetary snapshot (initial, customer and to-deduct amounts with
// their currencies) is captured at Check time and never recomputed: later fee
// or rate changes do not affect in-flight operations.
type Operation struct {
	ID            int64
	OpID          string // opaque public identifier
	Fingerprint   string
	PartnershipID int64

	InitiatorOpID       string // the initiator's own transaction id
	PaymentSystemOpID   string // provider order id, set on completion
	PaymentSystemStatus string

	Status OperationStatus

	InitialAmount     decimal.Decimal
	InitiatorCurrency string
	CustomerAmount    decimal.Decimal
	CustomerCurrency  string
	AmountToDeduct    decimal.Decimal
	BalanceCurrency   string

	CreatedAt  time.Time
	FinishedAt *time.Time
}

// NewOperation creates an operation in status NEW with a fresh opid. The
// monetary snapshot is filled in by the caller, already quantized.
func NewOperation(partnershipID int64, fingerprint, initiatorOpID string) *Operation {
	return &Operation{
		OpID:          uuid.New().String(),
		Fingerprint:   fingerprint,
		PartnershipID: partnershipID,
		InitiatorOpID: initiatorOpID,
		Status:        StatusNew,
	}
}

// IsExpired reports whether the operation's age at the given instant exceeds
// the operation lifetime. Expiry is checked lazily on read; a periodic
// sweeper may additionally persist the EXPIRED status via
// OperationRepository.ExpireStale.
func (o *Operation) IsExpired(at time.Time, lifetime time.Duration) bool {
	return !o.CreatedAt.After(at.Add(-lifetime))
}

// MarkCompleted transitions the operation to COMPLETED, recording the
// provider references and the finish time.
func (o *Operation) MarkCompleted(providerOpID, providerStatus string, at time.Time) {
	o.Status = StatusCompleted
	o.PaymentSystemOpID = providerOpID
	o.PaymentSystemStatus = providerStatus
	o.FinishedAt = &at
}

// MarkFailed transitions the operation to the terminal PAYMENT_FAILED status.
func (o *Operation) MarkFailed(at time.Time) {
	o.Status = StatusPaymentFailed
	o.FinishedAt = &at
}
