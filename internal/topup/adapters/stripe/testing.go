package stripe

import "fmt"

// SignatureHeader builds a Stripe-Signature header value for payload.
func SignatureHeader(secret string, payload []byte, unix int64) string {
	timestamp := fmt.Sprintf("%d", unix)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, sign(secret, timestamp, payload))
}
