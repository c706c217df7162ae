// Package gateway abstracts the external payment-provider APIs. The engine
// only depends on the Adapter contract and its single failure signal;
// provider-specific error payloads are never interpreted upstream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrProvider is the opaque failure signal of an adapter. Any transport,
// parsing or business failure of the provider API surfaces as this error.
var ErrProvider = errors.New("payment provider error")

// CurrencyPair is a directed conversion pair of ISO 4217 codes.
type CurrencyPair struct {
	From string
	To   string
}

// Rates maps currency pairs to their conversion rates for one date.
type Rates map[CurrencyPair]decimal.Decimal

// OrderRequest carries everything a provider needs to credit the recipient.
type OrderRequest struct {
	Amount             decimal.Decimal
	Currency           string
	RecipientAccount   string // card PAN or account number
	RecipientName      string
	RecipientCountry   string // ISO 3166-1 alpha-3
	RecipientBirthDate time.Time
	InternalOpID       string // our operation id, the provider's merchant order id
}

// OrderResult is the provider's reference for a placed order.
type OrderResult struct {
	OrderID string
	Status  string
}

// Adapter is the capability interface of one payment provider. Concrete
// implementations are registered by provider name and selected per call by
// the partnership's configured provider.
type Adapter interface {
	// GetExchangeRates fetches the provider's conversion rates for a date.
	GetExchangeRates(ctx context.Context, date time.Time) (Rates, error)

	// PlaceOrder instructs the provider to credit the recipient.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// Registry holds the configured adapters keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a provider name, replacing any previous one.
func (r *Registry) Register(name string, a Adapter) {
	r.adapters[name] = a
}

// Get resolves a provider name to its adapter.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for provider %q", ErrProvider, name)
	}
	return a, nil
}
