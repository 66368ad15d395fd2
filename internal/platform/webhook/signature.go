// Package webhook provides signature verification for inbound payor webhook
// notifications.
//
// Payors sign the raw request body with HMAC-SHA256 and send the hex digest
// in the X-Webhook-Signature header as "sha256=<hex>".
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header carrying the payor's payload signature.
const SignatureHeader = "X-Webhook-Signature"

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the signature matches the HMAC-SHA256 of
// payload under the given secret. The signature may carry an optional
// "sha256=" prefix. Comparison is constant-time.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
