package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHeadersCarryAllFields(t *testing.T) {
	t.Parallel()
	a := NewAuth("test-key", "test-secret")
	h := a.Headers("category=linear&symbol=BTCUSDT")

	if h["X-BAPI-API-KEY"] != "test-key" {
		t.Errorf("api key header = %q", h["X-BAPI-API-KEY"])
	}
	if h["X-BAPI-SIGN-TYPE"] != "2" {
		t.Errorf("sign type = %q, want 2", h["X-BAPI-SIGN-TYPE"])
	}
	if h["X-BAPI-RECV-WINDOW"] != recvWindow {
		t.Errorf("recv window = %q, want %q", h["X-BAPI-RECV-WINDOW"], recvWindow)
	}
	if h["X-BAPI-TIMESTAMP"] == "" || h["X-BAPI-SIGN"] == "" {
		t.Error("timestamp or signature missing")
	}
}

func TestSignatureMatchesScheme(t *testing.T) {
	t.Parallel()
	a := NewAuth("test-key", "test-secret")
	payload := "category=linear&symbol=BTCUSDT"
	h := a.Headers(payload)

	// Recompute from the returned timestamp: sign covers
	// timestamp + apiKey + recvWindow + payload.
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(h["X-BAPI-TIMESTAMP"] + "test-key" + recvWindow + payload))
	want := hex.EncodeToString(mac.Sum(nil))

	if h["X-BAPI-SIGN"] != want {
		t.Errorf("signature = %q, want %q", h["X-BAPI-SIGN"], want)
	}
}

func TestSignatureVariesWithPayload(t *testing.T) {
	t.Parallel()
	a := NewAuth("test-key", "test-secret")
	h1 := a.Headers("a=1")
	h2 := a.Headers("a=2")
	if h1["X-BAPI-SIGN"] == h2["X-BAPI-SIGN"] {
		t.Error("different payloads produced the same signature")
	}
}
