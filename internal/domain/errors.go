package domain

import "errors"

var (
	// ErrPartnershipNotFound is returned when no partnership is bound to the
	// requested proxy domain.
	ErrPartnershipNotFound = errors.New("partnership not found")

	// ErrPartnershipInactive is returned when the resolved partnership is
	// disabled.
	ErrPartnershipInactive = errors.New("partnership is inactive")

	// ErrUnknownServiceType is returned when no fee terms or no currency
	// mapping exist for the requested service type.
	ErrUnknownServiceType = errors.New("unknown service type")

	// ErrOperationInProgress is returned when a Payment for the same
	// operation or fingerprint is currently in flight.
	ErrOperationInProgress = errors.New("operation is in progress")

	// ErrAmbiguousOperation is returned when more than one non-terminal
	// operation matches a fingerprint. This should never occur; it indicates
	// a concurrency-control defect.
	ErrAmbiguousOperation = errors.New("ambiguous operation for fingerprint")

	// ErrNonCheckedOperation is returned by Payment when the referenced
	// operation does not exist, i.e. no Check preceded it.
	ErrNonCheckedOperation = errors.New("no preceding check for operation")

	// ErrNonMatchingFingerprints is returned by Payment when its parameters
	// hash to a different fingerprint than the stored one.
	ErrNonMatchingFingerprints = errors.New("payment parameters do not match check")

	// ErrOperationFailed is returned by Payment when the operation already
	// failed terminally.
	ErrOperationFailed = errors.New("operation has failed")

	// ErrOperationExpired is returned by Payment when the operation outlived
	// the operation lifetime.
	ErrOperationExpired = errors.New("operation has expired")

	// ErrInsufficientBalance is returned when the partnership balance cannot
	// cover the transfer.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNegativeTransferAmount is returned when fees exceed the transfer
	// amount and the computed customer amount is not positive.
	ErrNegativeTransferAmount = errors.New("fees exceed transfer amount")

	// ErrCurrencyConversion is returned when exchange rates cannot be
	// obtained or a required currency pair is missing.
	ErrCurrencyConversion = errors.New("currency conversion failed")

	// ErrPayment is returned when the provider rejected or errored placing
	// the order. The operation is durably PAYMENT_FAILED before this is
	// returned.
	ErrPayment = errors.New("payment failed")
)
