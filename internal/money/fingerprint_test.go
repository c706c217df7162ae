package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

var testKey = []byte("test-salt")

func TestFingerprintNormalization(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"10.0", "10.00"},
		{"10", "10.000"},
		{"0.50", "0.5"},
		{"1000", "1000.00"},
	}

	for _, tt := range tests {
		a := Fingerprint(testKey, "4111111111111111", decimal.RequireFromString(tt.a), "10")
		b := Fingerprint(testKey, "4111111111111111", decimal.RequireFromString(tt.b), "10")
		if a != b {
			t.Errorf("fingerprint(%s) != fingerprint(%s): %s vs %s", tt.a, tt.b, a, b)
		}
	}
}

func TestFingerprintLength(t *testing.T) {
	fp := Fingerprint(testKey, "4111111111111111", decimal.RequireFromString("10.00"), "10")
	if len(fp) != FingerprintLen {
		t.Errorf("fingerprint length = %d, want %d", len(fp), FingerprintLen)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint(testKey, "4111111111111111", decimal.RequireFromString("10.00"), "10")

	tests := []struct {
		name        string
		recipient   string
		amount      string
		serviceType string
	}{
		{name: "different recipient", recipient: "4111111111111112", amount: "10.00", serviceType: "10"},
		{name: "different amount", recipient: "4111111111111111", amount: "10.01", serviceType: "10"},
		{name: "different service type", recipient: "4111111111111111", amount: "10.00", serviceType: "11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := Fingerprint(testKey, tt.recipient, decimal.RequireFromString(tt.amount), tt.serviceType)
			if fp == base {
				t.Errorf("expected distinct fingerprint, got collision with base")
			}
		})
	}
}

func TestFingerprintKeyed(t *testing.T) {
	a := Fingerprint([]byte("salt-a"), "4111111111111111", decimal.RequireFromString("10"), "10")
	b := Fingerprint([]byte("salt-b"), "4111111111111111", decimal.RequireFromString("10"), "10")
	if a == b {
		t.Error("fingerprints with different keys must differ")
	}
}
