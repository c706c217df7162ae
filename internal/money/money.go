package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNonPositiveTransfer is returned by Convert when the computed customer
// amount is zero or negative, i.e. the fees exceed the transfer amount.
var ErrNonPositiveTransfer = errors.New("computed transfer amount is not positive")

// subunitExp maps ISO 4217 currency codes to their minor-unit exponent.
// Currencies absent from the map use the common exponent of 2.
var subunitExp = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0,
	"XAF": 0, "XOF": 0, "XPF": 0,
}

// Quantize rounds a monetary amount to the smallest subunit of its currency
// using banker's rounding (round half to even). It is applied only at the
// points where an amount is persisted or rendered; intermediate arithmetic
// stays unquantized.
func Quantize(amount decimal.Decimal, currency string) decimal.Decimal {
	places, ok := subunitExp[currency]
	if !ok {
		places = 2
	}
	return amount.RoundBank(places)
}

// FeeTerms are the fee parameters applied to a transfer. Percent, PSPercent
// and Insurance are fractions (0.02 for 2%), Fix is an absolute amount in the
// initiator currency.
type FeeTerms struct {
	Fix       decimal.Decimal
	Percent   decimal.Decimal
	PSPercent decimal.Decimal
	Insurance decimal.Decimal
}

// Quote is the result of the fee/conversion computation. Both amounts are
// unquantized.
type Quote struct {
	// AmountToDeduct is the initial amount converted to the balance currency.
	AmountToDeduct decimal.Decimal
	// CustomerAmount is the amount the recipient receives, after fees and
	// conversion to the customer currency.
	CustomerAmount decimal.Decimal
}

// Convert computes the transfer amounts for an initial amount given the fee
// terms, the initiator-to-balance rate and the balance-to-customer rate:
//
//	amountToDeduct = initial * rateToBalance
//	adjusted       = initial * (1 - percent - insurance) - fix
//	customerAmount = adjusted * rateToBalance * (1 - psPercent) * rateToCustomer
//
// Returns ErrNonPositiveTransfer when the customer amount comes out zero or
// negative.
func Convert(initial decimal.Decimal, terms FeeTerms, rateToBalance, rateToCustomer decimal.Decimal) (Quote, error) {
	one := decimal.NewFromInt(1)

	amountToDeduct := initial.Mul(rateToBalance)
	adjusted := initial.Mul(one.Sub(terms.Percent).Sub(terms.Insurance)).Sub(terms.Fix)
	customerAmount := adjusted.
		Mul(rateToBalance).
		Mul(one.Sub(terms.PSPercent)).
		Mul(rateToCustomer)

	if customerAmount.Sign() <= 0 {
		return Quote{}, ErrNonPositiveTransfer
	}

	return Quote{AmountToDeduct: amountToDeduct, CustomerAmount: customerAmount}, nil
}
