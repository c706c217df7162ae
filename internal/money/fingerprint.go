package money

import (
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// FingerprintLen is the length of the hex-encoded operation fingerprint.
// The underlying digest is half this many bytes.
const FingerprintLen = 64

// Fingerprint derives the duplicate-detection fingerprint of a transfer from
// the recipient identifier, the initial amount and the service type code. The
// hash is keyed with a deployment secret so fingerprints are not forgeable
// from the outside.
//
// The amount is normalized before hashing: "10.00", "10.0" and "10" all
// produce the same fingerprint.
func Fingerprint(key []byte, recipient string, amount decimal.Decimal, serviceType string) string {
	h, err := blake2b.New(FingerprintLen/2, key)
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes; the key comes from
		// validated configuration.
		panic(err)
	}
	h.Write([]byte(recipient))
	h.Write([]byte(normalizeAmount(amount)))
	h.Write([]byte(serviceType))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeAmount renders a decimal without trailing fractional zeros.
func normalizeAmount(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}
