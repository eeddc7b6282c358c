package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Webhook header names set by WebhookSigner.
const (
	HeaderWebhookTimestamp = "X-Futarchy-Timestamp"
	HeaderWebhookSignature = "X-Futarchy-Signature"
)

// WebhookSigner authenticates outgoing webhook bodies with
// HMAC-SHA256(secret, timestamp + "." + body), base64 encoded.
type WebhookSigner struct {
	Secret string
	now    func() time.Time
}

// NewWebhookSigner returns a signer for secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{Secret: secret, now: time.Now}
}

// Headers returns the timestamp and signature headers for body.
func (w *WebhookSigner) Headers(body []byte) map[string]string {
	return w.HeadersAt(body, w.now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (w *WebhookSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderWebhookTimestamp: ts,
		HeaderWebhookSignature: hmacSHA256Base64([]byte(w.Secret), ts+"."+string(body)),
	}
}

// Verify checks a received signature and rejects timestamps older than
// maxAge.
func (w *WebhookSigner) Verify(body []byte, ts, signature string, maxAge time.Duration) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if maxAge > 0 && w.now().Sub(time.Unix(unix, 0)) > maxAge {
		return false
	}
	want := hmacSHA256Base64([]byte(w.Secret), ts+"."+string(body))
	return hmac.Equal([]byte(want), []byte(signature))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns
// the result base64 standard-encoded.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (w *WebhookSigner) String() string {
	if len(w.Secret) <= 4 {
		return "WebhookSigner{secret=****}"
	}
	return fmt.Sprintf("WebhookSigner{secret=%s****}", w.Secret[:4])
}
