package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPAdapter("test", srv.URL, 5*time.Second, zap.NewNop())
}

func TestGetExchangeRates(t *testing.T) {
	adapter := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/exchange_rates" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("date"); got != "2025-06-01" {
			t.Errorf("expected date 2025-06-01, got %q", got)
		}
		w.Write([]byte(`{"exchange_rates": [
			{"from": "EUR", "to": "USD", "rate": "1.0526"},
			{"from": "USD", "to": "KZT", "rate": "530.25"}
		]}`))
	})

	rates, err := adapter.GetExchangeRates(context.Background(),
		time.Date(2025, 6, 1, 15, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("GetExchangeRates: %v", err)
	}

	if len(rates) != 2 {
		t.Fatalf("expected 2 rates, got %d", len(rates))
	}
	want := decimal.RequireFromString("1.0526")
	if got := rates[CurrencyPair{From: "EUR", To: "USD"}]; !got.Equal(want) {
		t.Errorf("expected EUR/USD %s, got %s", want, got)
	}
}

func TestGetExchangeRatesFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"blank body", func(w http.ResponseWriter, r *http.Request) {}},
		{"malformed JSON", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"exchange_rates": [`))
		}},
		{"business failure", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"failure_type": "validation", "failure_message": "bad date"}`))
		}},
		{"unparsable rate", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"exchange_rates": [{"from": "EUR", "to": "USD", "rate": "n/a"}]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := testAdapter(t, tt.handler)
			_, err := adapter.GetExchangeRates(context.Background(), time.Now())
			if !errors.Is(err, ErrProvider) {
				t.Fatalf("expected ErrProvider, got %v", err)
			}
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	adapter := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/credit" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode order payload: %v", err)
		}
		if payload["amount"] != "98.88" {
			t.Errorf("expected amount 98.88, got %v", payload["amount"])
		}
		if payload["pan"] != "4111111111111111" {
			t.Errorf("expected pan in payload, got %v", payload["pan"])
		}
		if payload["merchant_order_id"] != "op-1" {
			t.Errorf("expected merchant_order_id op-1, got %v", payload["merchant_order_id"])
		}
		custom := payload["custom_fields"].(map[string]any)
		if custom["recipient_first_name"] != "JOHN" || custom["recipient_last_name"] != "DOE" {
			t.Errorf("unexpected recipient name split: %v", custom)
		}

		w.Write([]byte(`{"orders": [{"id": "prov-7", "status": "accepted"}]}`))
	})

	result, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		Amount:             decimal.RequireFromString("98.88"),
		Currency:           "KZT",
		RecipientAccount:   "4111111111111111",
		RecipientName:      "JOHN DOE",
		RecipientCountry:   "KAZ",
		RecipientBirthDate: time.Date(1985, 3, 14, 0, 0, 0, 0, time.UTC),
		InternalOpID:       "op-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.OrderID != "prov-7" || result.Status != "accepted" {
		t.Errorf("unexpected order result: %+v", result)
	}
}

func TestPlaceOrderEmptyOrders(t *testing.T) {
	adapter := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orders": []}`))
	})

	_, err := adapter.PlaceOrder(context.Background(), OrderRequest{
		Amount:       decimal.RequireFromString("10"),
		InternalOpID: "op-1",
	})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	adapter := NewHTTPAdapter("acme", "http://localhost", time.Second, zap.NewNop())
	reg.Register("acme", adapter)

	got, err := reg.Get("acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != Adapter(adapter) {
		t.Error("expected the registered adapter back")
	}

	if _, err := reg.Get("unknown"); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider for unknown provider, got %v", err)
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"JOHN DOE", "JOHN", "DOE"},
		{"JOHN VAN DER BERG", "JOHN", "VAN DER BERG"},
		{"MADONNA", "MADONNA", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		if first != tt.first || last != tt.last {
			t.Errorf("splitName(%q) = %q, %q; want %q, %q", tt.in, first, last, tt.first, tt.last)
		}
	}
}
