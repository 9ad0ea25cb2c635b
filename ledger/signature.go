package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns hex(HMAC-SHA256(secret, orderRef + "|" + paymentRef)), the
// signature the gateway attaches to a payment callback.
func Sign(secret []byte, orderRef, paymentRef string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderRef + "|" + paymentRef))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature byte for byte with the canonical
// lowercase hex MAC in constant time. Case changes and padding never match.
func VerifySignature(secret []byte, orderRef, paymentRef, signature string) bool {
	if len(secret) == 0 || orderRef == "" || paymentRef == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, orderRef, paymentRef)), []byte(signature))
}
