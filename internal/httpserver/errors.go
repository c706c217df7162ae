package httpserver

import (
	"errors"
	"net/http"

	"github.com/remitware/payment-proxy/internal/domain"
)

// Wire error codes of the initiator dialect. Initiators branch on these
// numbers, so they are part of the protocol and never renumbered.
const (
	codeApplication      = 256 // unclassified internal failure
	codeValidation       = 273 // malformed or missing request parameters
	codeUnknownInitiator = 274 // no partnership bound to the proxy domain
	codeUnknownService   = 275 // unknown service type
	codeInactive         = 289 // partnership disabled
	codeLowBalance       = 290 // balance cannot cover the transfer
	codeUsage            = 304 // protocol misuse (wrong phase, replay window)
	codeOperation        = 320 // operation cannot proceed (fees eat the amount)
	codeExternal         = 321 // provider or conversion failure
)

// errorResponse is the error envelope of the initiator dialect.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// classify maps a domain error to the wire code and HTTP status of the
// initiator dialect. Validation and usage errors are the caller's fault (400),
// access errors are 403, everything else is 422.
func classify(err error) (status, code int) {
	switch {
	case errors.Is(err, domain.ErrPartnershipNotFound):
		return http.StatusForbidden, codeUnknownInitiator
	case errors.Is(err, domain.ErrPartnershipInactive):
		return http.StatusForbidden, codeInactive
	case errors.Is(err, domain.ErrUnknownServiceType):
		return http.StatusUnprocessableEntity, codeUnknownService
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, codeLowBalance
	case errors.Is(err, domain.ErrOperationInProgress),
		errors.Is(err, domain.ErrAmbiguousOperation),
		errors.Is(err, domain.ErrNonCheckedOperation),
		errors.Is(err, domain.ErrNonMatchingFingerprints),
		errors.Is(err, domain.ErrOperationFailed),
		errors.Is(err, domain.ErrOperationExpired):
		return http.StatusBadRequest, codeUsage
	case errors.Is(err, domain.ErrNegativeTransferAmount):
		return http.StatusUnprocessableEntity, codeOperation
	case errors.Is(err, domain.ErrCurrencyConversion),
		errors.Is(err, domain.ErrPayment):
		return http.StatusUnprocessableEntity, codeExternal
	}
	return http.StatusUnprocessableEntity, codeApplication
}
