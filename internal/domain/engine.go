package domain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/remitware/payment-proxy/internal/gateway"
	"github.com/remitware/payment-proxy/internal/money"
)

// CheckParams are the validated inputs of the Check phase.
type CheckParams struct {
	ServiceType string
	Account     string // recipient card PAN or account number
	Amount      decimal.Decimal
	ExternalID  string // the initiator's own transaction id
}

// CheckResult is the snapshot returned by Check. Balance reflects the
// partnership balance at the time of the call; nothing is reserved.
type CheckResult struct {
	OpID       string
	ExternalID string

	Balance         decimal.Decimal
	BalanceCurrency string

	CustomerAmount   decimal.Decimal
	CustomerCurrency string
	CustomerRate     decimal.Decimal
	CustomerAccount  string
	CustomerID       uint64
}

// PaymentParams are the validated inputs of the Payment phase. Account,
// Amount and ServiceType repeat the Check parameters for fingerprint
// re-verification.
type PaymentParams struct {
	OperationID   string
	ServiceType   string
	Account       string
	Amount        decimal.Decimal
	RecipientName string
}

// PaymentResult is the confirmation returned by a successful (or replayed)
// Payment. Balance is the latest known value at commit time, not a held or
// reserved amount: concurrent debits between the pre-check and the decrement
// may make it differ from what the pre-check implied.
type PaymentResult struct {
	OpID       string
	ExternalID string

	Balance         decimal.Decimal
	BalanceCurrency string

	PaymentDate    time.Time
	ProviderOpID   string
	ProviderStatus string
}

// Engine orchestrates the two-phase check/payment protocol over the operation
// ledger, the money arithmetic and the provider gateway. It never retries
// internally; idempotent replay of an already-answered request is the single
// exception, and that is a correctness feature rather than a retry.
type Engine struct {
	balances   BalanceRepository
	operations OperationRepository
	settings   SettingsRepository
	txManager  TransactionManager
	gateways   AdapterRegistry
	publisher  EventPublisher

	fingerprintKey []byte
	lifetime       time.Duration
	log            *zap.Logger
	now            func() time.Time
}

// NewEngine creates a transaction engine. The fingerprint key is the
// deployment secret salting operation fingerprints; lifetime bounds how long
// a NEW or PAYMENT_INITIALIZED operation stays live. Pass nil for publisher
// if no events should be emitted.
func NewEngine(
	balances BalanceRepository,
	operations OperationRepository,
	settings SettingsRepository,
	txManager TransactionManager,
	gateways AdapterRegistry,
	publisher EventPublisher,
	fingerprintKey string,
	lifetime time.Duration,
	log *zap.Logger,
) *Engine {
	key := []byte(fingerprintKey)
	if len(key) > 64 {
		// blake2b keys are capped at 64 bytes
		key = key[:64]
	}
	return &Engine{
		balances:       balances,
		operations:     operations,
		settings:       settings,
		txManager:      txManager,
		gateways:       gateways,
		publisher:      publisher,
		fingerprintKey: key,
		lifetime:       lifetime,
		log:            log.Named("engine"),
		now:            time.Now,
	}
}

// Check validates that a transfer is feasible, computes the monetary
// snapshot and opens an operation in status NEW. A repeated Check with
// identical parameters within the operation lifetime returns the existing
// operation without creating a second row.
func (e *Engine) Check(ctx context.Context, p *Partnership, params CheckParams) (*CheckResult, error) {
	callStart := e.now()
	fingerprint := e.fingerprint(params.Account, params.Amount, params.ServiceType)

	var (
		existing *Operation
		balance  *Balance
		feeTerms *ServiceFee
		svcCur   *ServiceCurrency
	)
	err := e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		balance, err = e.balances.GetByPartnership(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		existing, err = e.findDuplicate(ctx, p.ID, fingerprint, callStart)
		if err != nil || existing != nil {
			return err
		}

		feeTerms, err = e.settings.GetFeeTerms(ctx, p.ID, params.ServiceType, callStart)
		if err != nil {
			return fmt.Errorf("read fee terms: %w", err)
		}
		if feeTerms == nil {
			return fmt.Errorf("%w: %s", ErrUnknownServiceType, params.ServiceType)
		}

		svcCur, err = e.settings.GetServiceCurrency(ctx, p.ID, params.ServiceType)
		if err != nil {
			return fmt.Errorf("read service currency: %w", err)
		}
		if svcCur == nil {
			return fmt.Errorf("%w: %s", ErrUnknownServiceType, params.ServiceType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.log.Info("check replayed",
			zap.String("opid", existing.OpID),
			zap.Int64("partnership", p.ID),
		)
		return checkResult(existing, balance), nil
	}

	rateToBalance, rateToCustomer, err := e.exchangeRates(
		ctx, p, callStart, feeTerms.InitiatorCurrency, balance.Currency, svcCur.Currency,
	)
	if err != nil {
		return nil, err
	}

	quote, err := money.Convert(params.Amount, money.FeeTerms{
		Fix:       feeTerms.Fix,
		Percent:   feeTerms.Percent,
		PSPercent: feeTerms.PaymentSystemPercent,
		Insurance: feeTerms.Insurance,
	}, rateToBalance, rateToCustomer)
	if err != nil {
		return nil, ErrNegativeTransferAmount
	}

	op := NewOperation(p.ID, fingerprint, params.ExternalID)
	op.InitialAmount = money.Quantize(params.Amount, feeTerms.InitiatorCurrency)
	op.InitiatorCurrency = feeTerms.InitiatorCurrency
	op.CustomerAmount = money.Quantize(quote.CustomerAmount, svcCur.Currency)
	op.CustomerCurrency = svcCur.Currency
	op.AmountToDeduct = money.Quantize(quote.AmountToDeduct, balance.Currency)
	op.BalanceCurrency = balance.Currency

	err = e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		// Serialize the re-check/insert against concurrent identical Checks.
		// The partial unique index on (partnership, fingerprint) over
		// non-terminal statuses backs this up at the schema level.
		if err := e.operations.LockFingerprint(ctx, p.ID, fingerprint); err != nil {
			return fmt.Errorf("lock fingerprint: %w", err)
		}

		var err error
		existing, err = e.findDuplicate(ctx, p.ID, fingerprint, callStart)
		if err != nil || existing != nil {
			return err
		}

		// Re-read inside the write transaction: the earlier read may be
		// stale by now.
		balance, err = e.balances.GetByPartnership(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("re-read balance: %w", err)
		}
		if balance.Amount.Sub(op.AmountToDeduct).Sign() <= 0 {
			return ErrInsufficientBalance
		}

		return e.operations.Create(ctx, op)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return checkResult(existing, balance), nil
	}

	e.log.Info("operation checked",
		zap.String("opid", op.OpID),
		zap.Int64("partnership", p.ID),
		zap.String("amount_to_deduct", op.AmountToDeduct.String()),
		zap.String("customer_amount", op.CustomerAmount.String()),
	)
	return checkResult(op, balance), nil
}

// Payment confirms a previously checked operation: it transitions the
// operation to PAYMENT_INITIALIZED, places the provider order and, on
// success, completes the operation and decrements the balance atomically. A
// Payment replayed after completion returns the stored result without a
// second provider call or charge.
func (e *Engine) Payment(ctx context.Context, p *Partnership, params PaymentParams) (*PaymentResult, error) {
	callStart := e.now()

	var (
		op     *Operation
		svcCur *ServiceCurrency
		replay *PaymentResult
	)
	err := e.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		balance, err := e.balances.GetByPartnership(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		op, err = e.operations.GetByOpID(ctx, p.ID, params.OperationID)
		if err != nil {
			return fmt.Errorf("read operation: %w", err)
		}
		if op == nil {
			return fmt.Errorf("%w: %s", ErrNonCheckedOperation, params.OperationID)
		}

		if op.Fingerprint != e.fingerprint(params.Account, params.Amount, params.ServiceType) {
			return fmt.Errorf("%w: %s", ErrNonMatchingFingerprints, op.OpID)
		}

		switch op.Status {
		case StatusCompleted:
			replay = paymentResult(op, balance)
			return nil
		case StatusPaymentInitialized:
			return fmt.Errorf("%w: %s", ErrOperationInProgress, op.OpID)
		case StatusPaymentFailed:
			return fmt.Errorf("%w: %s", ErrOperationFailed, op.OpID)
		case StatusExpired:
			return fmt.Errorf("%w: %s", ErrOperationExpired, op.OpID)
		}

		// The operation may be factually expired without the sweeper having
		// marked it yet.
		if op.IsExpired(callStart, e.lifetime) {
			return fmt.Errorf("%w: %s", ErrOperationExpired, op.OpID)
		}

		if balance.Amount.Sign() <= 0 {
			return ErrInsufficientBalance
		}

		// The guarded single-statement transition is the concurrency lock
		// for this opid: a concurrent Payment loses the race here.
		ok, err := e.operations.InitializePayment(ctx, op.ID)
		if err != nil {
			return fmt.Errorf("initialize payment: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrOperationInProgress, op.OpID)
		}
		op.Status = StatusPaymentInitialized

		svcCur, err = e.settings.GetServiceCurrency(ctx, p.ID, params.ServiceType)
		if err != nil {
			return fmt.Errorf("read service currency: %w", err)
		}
		if svcCur == nil {
			return fmt.Errorf("%w: %s", ErrUnknownServiceType, params.ServiceType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		e.log.Info("payment replayed", zap.String("opid", replay.OpID), zap.Int64("partnership", p.ID))
		return replay, nil
	}

	order, err := e.placeOrder(ctx, p, op, svcCur, params)

	// From here on the outcome must reach the ledger even when the initiator
	// has disconnected: a canceled request context must not strand the
	// operation in PAYMENT_INITIALIZED or lose a placed order's debit.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		// Record the failure durably before re-raising so it is never lost,
		// even if the caller crashes before responding.
		op.MarkFailed(e.now())
		if uerr := e.txManager.WithTransaction(persistCtx, func(ctx context.Context) error {
			return e.operations.Update(ctx, op)
		}); uerr != nil {
			e.log.Error("failed to persist PAYMENT_FAILED",
				zap.String("opid", op.OpID), zap.Error(uerr))
		}
		e.log.Warn("provider order failed", zap.String("opid", op.OpID), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrPayment, op.OpID)
	}

	var newBalance *Balance
	err = e.txManager.WithTransaction(persistCtx, func(ctx context.Context) error {
		op.MarkCompleted(order.OrderID, order.Status, e.now())
		if err := e.operations.Update(ctx, op); err != nil {
			return fmt.Errorf("complete operation: %w", err)
		}
		var err error
		newBalance, err = e.balances.Decrement(ctx, p.ID, op.AmountToDeduct)
		if err != nil {
			return fmt.Errorf("decrement balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("operation completed",
		zap.String("opid", op.OpID),
		zap.Int64("partnership", p.ID),
		zap.String("provider_opid", op.PaymentSystemOpID),
		zap.String("balance", newBalance.Amount.String()),
	)

	// Post-commit, best effort: a transient broker failure must not make an
	// already-committed payment look failed.
	if e.publisher != nil {
		completed := *op
		go func() {
			if err := e.publisher.PublishOperationCompleted(context.Background(), &completed); err != nil {
				e.log.Warn("failed to publish operation completed event",
					zap.String("opid", completed.OpID), zap.Error(err))
			}
		}()
	}

	return paymentResult(op, newBalance), nil
}

// ExpireStale persists the EXPIRED status for non-terminal operations older
// than the operation lifetime. This is the sweeper hook; normal request
// handling relies on the lazy expiry check instead.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	count, err := e.operations.ExpireStale(ctx, e.now().Add(-e.lifetime))
	if err != nil {
		return 0, fmt.Errorf("expire stale operations: %w", err)
	}
	if count > 0 {
		e.log.Info("expired stale operations", zap.Int64("count", count))
	}
	return count, nil
}

// findDuplicate resolves the live operations matching a fingerprint to at
// most one dispatch decision: nil (no duplicate), an existing NEW operation
// (idempotent replay) or an error. Stale matches are marked EXPIRED on the
// spot so they stop occupying the fingerprint's uniqueness slot.
func (e *Engine) findDuplicate(ctx context.Context, partnershipID int64, fingerprint string, at time.Time) (*Operation, error) {
	ops, err := e.operations.FindActiveByFingerprint(ctx, partnershipID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("find operations by fingerprint: %w", err)
	}

	live := ops[:0]
	for _, op := range ops {
		if op.IsExpired(at, e.lifetime) {
			op.Status = StatusExpired
			finishedAt := e.now()
			op.FinishedAt = &finishedAt
			if err := e.operations.Update(ctx, op); err != nil {
				return nil, fmt.Errorf("expire stale duplicate: %w", err)
			}
			continue
		}
		live = append(live, op)
	}

	// Should not happen given the fingerprint lock and the partial unique
	// index, but surfaced explicitly rather than trusted away.
	if len(live) > 1 {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousOperation, fingerprint)
	}
	if len(live) == 0 {
		return nil, nil
	}

	op := live[0]
	if op.Status == StatusPaymentInitialized {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, op.OpID)
	}
	return op, nil
}

// exchangeRates fetches the day's rates from the partnership's provider and
// extracts the two required pairs.
func (e *Engine) exchangeRates(
	ctx context.Context,
	p *Partnership,
	date time.Time,
	initiatorCurrency, balanceCurrency, customerCurrency string,
) (rateToBalance, rateToCustomer decimal.Decimal, err error) {
	adapter, err := e.gateways.Get(p.PaymentSystem)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrCurrencyConversion, err)
	}

	rates, err := adapter.GetExchangeRates(ctx, date)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrCurrencyConversion, err)
	}

	rateToBalance, ok := rates[gateway.CurrencyPair{From: initiatorCurrency, To: balanceCurrency}]
	if !ok {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: missing pair %s/%s", ErrCurrencyConversion, initiatorCurrency, balanceCurrency)
	}
	rateToCustomer, ok = rates[gateway.CurrencyPair{From: balanceCurrency, To: customerCurrency}]
	if !ok {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: missing pair %s/%s", ErrCurrencyConversion, balanceCurrency, customerCurrency)
	}
	return rateToBalance, rateToCustomer, nil
}

// placeOrder calls the provider with the operation's snapshotted amounts. At
// most one provider call is made per transition into PAYMENT_INITIALIZED.
func (e *Engine) placeOrder(ctx context.Context, p *Partnership, op *Operation, svcCur *ServiceCurrency, params PaymentParams) (gateway.OrderResult, error) {
	adapter, err := e.gateways.Get(p.PaymentSystem)
	if err != nil {
		return gateway.OrderResult{}, err
	}
	return adapter.PlaceOrder(ctx, gateway.OrderRequest{
		Amount:             op.CustomerAmount,
		Currency:           op.CustomerCurrency,
		RecipientAccount:   params.Account,
		RecipientName:      params.RecipientName,
		RecipientCountry:   svcCur.Country,
		RecipientBirthDate: dummyBirthDate(e.now()),
		InternalOpID:       op.OpID,
	})
}

func (e *Engine) fingerprint(account string, amount decimal.Decimal, serviceType string) string {
	return money.Fingerprint(e.fingerprintKey, account, amount, serviceType)
}

func checkResult(op *Operation, balance *Balance) *CheckResult {
	customer := dummyCustomer()
	return &CheckResult{
		OpID:             op.OpID,
		ExternalID:       op.InitiatorOpID,
		Balance:          money.Quantize(balance.Amount, balance.Currency),
		BalanceCurrency:  balance.Currency,
		CustomerAmount:   op.CustomerAmount,
		CustomerCurrency: op.CustomerCurrency,
		CustomerRate:     op.CustomerAmount.Div(op.InitialAmount),
		CustomerAccount:  customer.account,
		CustomerID:       customer.id,
	}
}

func paymentResult(op *Operation, balance *Balance) *PaymentResult {
	res := &PaymentResult{
		OpID:            op.OpID,
		ExternalID:      op.InitiatorOpID,
		Balance:         money.Quantize(balance.Amount, balance.Currency),
		BalanceCurrency: balance.Currency,
		ProviderOpID:    op.PaymentSystemOpID,
		ProviderStatus:  op.PaymentSystemStatus,
	}
	if op.FinishedAt != nil {
		res.PaymentDate = *op.FinishedAt
	}
	return res
}

type customer struct {
	id      uint64
	account string
}

// dummyCustomer synthesizes the recipient identity fields the initiator
// dialect expects; the proxy has no real customer records.
func dummyCustomer() customer {
	u := uuid.New()
	return customer{
		id:      uint64(binary.BigEndian.Uint16(u[10:12]))<<32 | uint64(binary.BigEndian.Uint32(u[12:16])),
		account: strings.ReplaceAll(u.String(), "-", ""),
	}
}

// dummyBirthDate picks a plausible recipient birth date between 60 and 20
// years before now; the provider requires the field, the initiator dialect
// does not carry it.
func dummyBirthDate(now time.Time) time.Time {
	min := now.AddDate(-60, 0, 0)
	max := now.AddDate(-20, 0, 0)
	span := max.Sub(min)
	return min.Add(time.Duration(rand.Int63n(int64(span))))
}
