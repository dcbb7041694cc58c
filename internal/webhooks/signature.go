package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// SignHMAC returns the X-Signature header value for body: "sha256=" followed
// by the lowercase hex HMAC-SHA256 under secret.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a header produced by SignHMAC. A bare hex digest is accepted too.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(strings.TrimPrefix(provided, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}
