package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// VerifySignature computes hex(sha256(timestamp || nonce || secret ||
// body)) — Feishu's plain-concatenation scheme, not HMAC — and compares it
// to the header value in constant time.
func VerifySignature(timestamp, nonce, secret string, body []byte, headerSignature string) bool {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(secret))
	h.Write(body)
	computed := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(computed), []byte(headerSignature)) == 1
}
