// sign.go implements HMAC-SHA256 request signing.
//
// The signature covers the canonical query string with recvWindow and a
// millisecond timestamp appended, and is itself appended as signature=<hex>.
// The core issues only public calls, so this is exercised solely by the
// POST/DELETE helpers kept for completeness.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"

	"futuresfeed/internal/clock"
)

// Signer holds the API key pair used for signed requests.
type Signer struct {
	apiKey string
	secret string
	clock  clock.Clock
}

// NewSigner creates a Signer. Empty credentials yield a signer whose
// Enabled method reports false.
func NewSigner(apiKey, secret string, clk clock.Clock) *Signer {
	return &Signer{apiKey: apiKey, secret: secret, clock: clk}
}

// Enabled reports whether credentials are configured.
func (s *Signer) Enabled() bool {
	return s.apiKey != "" && s.secret != ""
}

// APIKey returns the value for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign canonicalizes query, appends recvWindow and timestamp, and appends
// the HMAC-SHA256 hex signature. The result is the final query string.
func (s *Signer) Sign(query url.Values, recvWindow int64) string {
	if query == nil {
		query = url.Values{}
	}
	if recvWindow > 0 {
		query.Set("recvWindow", strconv.FormatInt(recvWindow, 10))
	}
	query.Set("timestamp", strconv.FormatInt(s.clock.Now().UnixMilli(), 10))

	canonical := query.Encode()
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(canonical))
	return canonical + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
