package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/remitware/payment-proxy/internal/domain"
)

// SettingsRepository implements domain.SettingsRepository using PostgreSQL.
// All of this data is provisioned out of band and read-only here.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

// GetPartnershipByDomain resolves a partnership from the proxy domain the
// request arrived on.
func (r *SettingsRepository) GetPartnershipByDomain(ctx context.Context, domainName string) (*domain.Partnership, error) {
	query := `
		SELECT p.id, p.domain, COALESCE(p.initiator_domain, ''), ps.name, p.is_active
		FROM partnerships p
		JOIN payment_systems ps ON ps.id = p.payment_system_id
		WHERE p.domain = $1
	`

	var p domain.Partnership
	err := conn(ctx, r.pool).QueryRow(ctx, query, domainName).Scan(
		&p.ID, &p.Domain, &p.InitiatorDomain, &p.PaymentSystem, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPartnershipNotFound, domainName)
		}
		return nil, fmt.Errorf("failed to get partnership: %w", err)
	}
	return &p, nil
}

// GetFeeTerms selects the most recently created fee record for
// (partnership, service type) whose validity window contains activeAt.
// Returns nil when none matches.
func (r *SettingsRepository) GetFeeTerms(ctx context.Context, partnershipID int64, serviceType string, activeAt time.Time) (*domain.ServiceFee, error) {
	query := `
		SELECT id, partnership_id, service_type,
		       fix::text, percent::text, payment_system_percent::text, insurance::text,
		       initiator_currency, active_from, active_until, created_at
		FROM conditions
		WHERE partnership_id = $1
		  AND service_type = $2
		  AND active_from <= $3
		  AND (active_until IS NULL OR active_until > $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	var (
		fee                              domain.ServiceFee
		fix, percent, psPercent, insured string
	)
	err := conn(ctx, r.pool).QueryRow(ctx, query, partnershipID, serviceType, activeAt).Scan(
		&fee.ID, &fee.PartnershipID, &fee.ServiceType,
		&fix, &percent, &psPercent, &insured,
		&fee.InitiatorCurrency, &fee.ActiveFrom, &fee.ActiveUntil, &fee.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fee terms: %w", err)
	}

	if fee.Fix, err = decimal.NewFromString(fix); err != nil {
		return nil, fmt.Errorf("invalid fix fee %q: %w", fix, err)
	}
	if fee.Percent, err = decimal.NewFromString(percent); err != nil {
		return nil, fmt.Errorf("invalid percent fee %q: %w", percent, err)
	}
	if fee.PaymentSystemPercent, err = decimal.NewFromString(psPercent); err != nil {
		return nil, fmt.Errorf("invalid payment system percent %q: %w", psPercent, err)
	}
	if fee.Insurance, err = decimal.NewFromString(insured); err != nil {
		return nil, fmt.Errorf("invalid insurance fee %q: %w", insured, err)
	}
	return &fee, nil
}

// GetServiceCurrency resolves the customer currency and destination country
// for (partnership, service type). Returns nil when unmapped.
func (r *SettingsRepository) GetServiceCurrency(ctx context.Context, partnershipID int64, serviceType string) (*domain.ServiceCurrency, error) {
	query := `
		SELECT partnership_id, service_type, currency, country
		FROM service_currencies
		WHERE partnership_id = $1 AND service_type = $2
	`

	var sc domain.ServiceCurrency
	err := conn(ctx, r.pool).QueryRow(ctx, query, partnershipID, serviceType).Scan(
		&sc.PartnershipID, &sc.ServiceType, &sc.Currency, &sc.Country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get service currency: %w", err)
	}
	return &sc, nil
}

// ListPaymentSystems returns all provisioned payment providers.
func (r *SettingsRepository) ListPaymentSystems(ctx context.Context) ([]*domain.PaymentSystem, error) {
	query := `SELECT id, name, api_origin FROM payment_systems ORDER BY id`

	rows, err := conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment systems: %w", err)
	}
	defer rows.Close()

	var systems []*domain.PaymentSystem
	for rows.Next() {
		var ps domain.PaymentSystem
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.APIOrigin); err != nil {
			return nil, fmt.Errorf("failed to scan payment system: %w", err)
		}
		systems = append(systems, &ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payment systems: %w", err)
	}
	return systems, nil
}
