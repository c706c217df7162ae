package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPAdapter is the default Adapter implementation speaking the provider's
// JSON-over-HTTP dialect: GET /exchange_rates and POST /orders/credit.
type HTTPAdapter struct {
	name    string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPAdapter creates an adapter for the provider API at baseURL. The
// timeout bounds each call end to end; exceeding it surfaces as ErrProvider
// like any other failure.
func NewHTTPAdapter(name, baseURL string, timeout time.Duration, log *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("gateway").With(zap.String("provider", name)),
	}
}

type ratesResponse struct {
	ExchangeRates []struct {
		From string `json:"from"`
		To   string `json:"to"`
		Rate string `json:"rate"`
	} `json:"exchange_rates"`
}

// GetExchangeRates implements Adapter.
func (a *HTTPAdapter) GetExchangeRates(ctx context.Context, date time.Time) (Rates, error) {
	q := url.Values{"date": []string{date.Format("2006-01-02")}}
	body, err := a.call(ctx, http.MethodGet, "/exchange_rates?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp ratesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, a.fail("incompatible rates response", err)
	}

	rates := make(Rates, len(resp.ExchangeRates))
	for _, pair := range resp.ExchangeRates {
		rate, err := decimal.NewFromString(pair.Rate)
		if err != nil {
			return nil, a.fail("unparsable rate", err)
		}
		rates[CurrencyPair{From: pair.From, To: pair.To}] = rate
	}
	return rates, nil
}

type orderRequestBody struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	PAN      string `json:"pan"`
	Card     struct {
		Holder string `json:"holder"`
	} `json:"card"`
	Client struct {
		Name    string `json:"name"`
		Country string `json:"country"`
	} `json:"client"`
	CustomFields struct {
		RecipientBirthDate string `json:"recipient_birth_date"`
		RecipientFirstName string `json:"recipient_first_name"`
		RecipientLastName  string `json:"recipient_last_name"`
	} `json:"custom_fields"`
	MerchantOrderID string `json:"merchant_order_id"`
}

type orderResponse struct {
	Orders []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"orders"`
}

// PlaceOrder implements Adapter.
func (a *HTTPAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	firstName, lastName := splitName(req.RecipientName)

	var payload orderRequestBody
	payload.Amount = req.Amount.String()
	payload.Currency = req.Currency
	payload.PAN = req.RecipientAccount
	payload.Card.Holder = req.RecipientName
	payload.Client.Name = req.RecipientName
	payload.Client.Country = req.RecipientCountry
	payload.CustomFields.RecipientBirthDate = req.RecipientBirthDate.Format("2006-01-02")
	payload.CustomFields.RecipientFirstName = firstName
	payload.CustomFields.RecipientLastName = lastName
	payload.MerchantOrderID = req.InternalOpID

	encoded, err := json.Marshal(payload)
	if err != nil {
		return OrderResult{}, a.fail("encode order", err)
	}

	body, err := a.call(ctx, http.MethodPost, "/orders/credit", encoded)
	if err != nil {
		return OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResult{}, a.fail("incompatible order response", err)
	}
	if len(resp.Orders) == 0 {
		return OrderResult{}, a.fail("order response without orders", nil)
	}

	return OrderResult{OrderID: resp.Orders[0].ID, Status: resp.Orders[0].Status}, nil
}

// call performs one provider request and returns the raw body. Non-2xx
// statuses, blank bodies and bodies carrying a failure_type key are failures.
func (a *HTTPAdapter) call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, a.fail("build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.fail("request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.fail("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.log.Warn("provider returned bad status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, a.fail(fmt.Sprintf("bad status %d", resp.StatusCode), nil)
	}
	if len(raw) == 0 {
		return nil, a.fail("blank response", nil)
	}

	// Business failures come back as 200 with a failure_type key.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, a.fail("malformed JSON", err)
	}
	if _, failed := probe["failure_type"]; failed {
		a.log.Warn("provider reported failure", zap.String("path", path))
		return nil, a.fail("response failure", nil)
	}

	return raw, nil
}

func (a *HTTPAdapter) fail(msg string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrProvider, msg, err)
	}
	return fmt.Errorf("%w: %s", ErrProvider, msg)
}

func splitName(name string) (first, last string) {
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return name, ""
}
