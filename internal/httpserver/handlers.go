package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/remitware/payment-proxy/internal/domain"
)

// Engine is the transaction engine surface the HTTP layer consumes.
type Engine interface {
	Check(ctx context.Context, p *domain.Partnership, params domain.CheckParams) (*domain.CheckResult, error)
	Payment(ctx context.Context, p *domain.Partnership, params domain.PaymentParams) (*domain.PaymentResult, error)
	ExpireStale(ctx context.Context) (int64, error)
}

// Handler serves the initiator dialect over HTTP. The partnership is resolved
// from the request host by the tenant middleware before any handler runs.
type Handler struct {
	engine   Engine
	settings domain.SettingsRepository
	log      *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(engine Engine, settings domain.SettingsRepository, log *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		settings: settings,
		log:      log.Named("http"),
	}
}

type checkRequest struct {
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	ServiceType string `json:"service_type"`
	ExternalID  string `json:"external_id"`
}

type checkResponse struct {
	OpID             string `json:"opid"`
	ExternalID       string `json:"external_id"`
	Balance          string `json:"balance"`
	BalanceCurrency  string `json:"balance_currency"`
	CustomerAmount   string `json:"customer_amount"`
	CustomerCurrency string `json:"customer_currency"`
	CustomerRate     string `json:"customer_rate"`
	CustomerAccount  string `json:"customer_account"`
	CustomerID       uint64 `json:"customer_id"`
}

// Check handles POST /v1/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendValidationError(w, "malformed request body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.sendValidationError(w, err.Error())
		return
	}
	if req.Account == "" || req.ServiceType == "" || req.ExternalID == "" {
		h.sendValidationError(w, "account, service_type and external_id are required")
		return
	}

	res, err := h.engine.Check(r.Context(), partnershipFrom(r.Context()), domain.CheckParams{
		ServiceType: req.ServiceType,
		Account:     req.Account,
		Amount:      amount,
		ExternalID:  req.ExternalID,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, checkResponse{
		OpID:             res.OpID,
		ExternalID:       res.ExternalID,
		Balance:          res.Balance.String(),
		BalanceCurrency:  res.BalanceCurrency,
		CustomerAmount:   res.CustomerAmount.String(),
		CustomerCurrency: res.CustomerCurrency,
		CustomerRate:     res.CustomerRate.StringFixed(6),
		CustomerAccount:  res.CustomerAccount,
		CustomerID:       res.CustomerID,
	})
}

type paymentRequest struct {
	OperationID   string `json:"operation_id"`
	Account       string `json:"account"`
	Amount        string `json:"amount"`
	ServiceType   string `json:"service_type"`
	RecipientName string `json:"recipient_name"`
}

type paymentResponse struct {
	OpID            string `json:"opid"`
	ExternalID      string `json:"external_id"`
	Balance         string `json:"balance"`
	BalanceCurrency string `json:"balance_currency"`
	PaymentDate     string `json:"payment_date"`
	ProviderOpID    string `json:"provider_opid"`
	ProviderStatus  string `json:"provider_status"`
}

// Payment handles POST /v1/payment.
func (h *Handler) Payment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendValidationError(w, "malformed request body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.sendValidationError(w, err.Error())
		return
	}
	if req.OperationID == "" || req.Account == "" || req.ServiceType == "" {
		h.sendValidationError(w, "operation_id, account and service_type are required")
		return
	}

	res, err := h.engine.Payment(r.Context(), partnershipFrom(r.Context()), domain.PaymentParams{
		OperationID:   req.OperationID,
		ServiceType:   req.ServiceType,
		Account:       req.Account,
		Amount:        amount,
		RecipientName: req.RecipientName,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, paymentResponse{
		OpID:            res.OpID,
		ExternalID:      res.ExternalID,
		Balance:         res.Balance.String(),
		BalanceCurrency: res.BalanceCurrency,
		PaymentDate:     res.PaymentDate.UTC().Format(time.RFC3339),
		ProviderOpID:    res.ProviderOpID,
		ProviderStatus:  res.ProviderStatus,
	})
}

type expireResponse struct {
	Expired int64 `json:"expired"`
}

// Expire handles POST /internal/operations/expire, the sweeper hook.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.ExpireStale(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, expireResponse{Expired: count})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type partnershipKey struct{}

// Tenant resolves the partnership from the request host and rejects requests
// from unknown or disabled domains before they reach the handlers.
func (h *Handler) Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if hostOnly, _, err := net.SplitHostPort(host); err == nil {
			host = hostOnly
		}
		host = strings.ToLower(host)

		p, err := h.settings.GetPartnershipByDomain(r.Context(), host)
		if err != nil {
			h.sendError(w, r, err)
			return
		}
		if !p.IsActive {
			h.sendError(w, r, fmt.Errorf("%w: %s", domain.ErrPartnershipInactive, host))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), partnershipKey{}, p)))
	})
}

func partnershipFrom(ctx context.Context) *domain.Partnership {
	p, _ := ctx.Value(partnershipKey{}).(*domain.Partnership)
	return p
}

// parseAmount accepts the amount as a decimal string and requires it to be
// positive.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) sendValidationError(w http.ResponseWriter, message string) {
	h.sendJSON(w, http.StatusBadRequest, errorResponse{
		Error: errorBody{Code: codeValidation, Message: message},
	})
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if code == codeApplication {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		h.log.Info("request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("code", code),
			zap.Error(err),
		)
	}
	h.sendJSON(w, status, errorResponse{
		Error: errorBody{Code: code, Message: err.Error()},
	})
}
