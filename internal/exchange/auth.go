package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// recvWindow is the request validity window the signature covers, in ms.
const recvWindow = "5000"

// Auth signs Bybit v5 private requests. The v5 scheme is
// HMAC-SHA256(apiSecret, timestamp + apiKey + recvWindow + payload), where
// payload is the raw query string for GET and the JSON body for POST.
type Auth struct {
	apiKey    string
	apiSecret string
}

// NewAuth creates a signer for the given API credentials.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, apiSecret: apiSecret}
}

// Headers builds the five X-BAPI-* headers for one request. payload is the
// encoded query string (GET) or JSON body (POST); empty for bare requests.
func (a *Auth) Headers(payload string) map[string]string {
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())

	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(ts + a.apiKey + recvWindow + payload))
	sign := hex.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"X-BAPI-API-KEY":     a.apiKey,
		"X-BAPI-SIGN":        sign,
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
	}
}
