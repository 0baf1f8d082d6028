// Package reference generates the transaction references attached to
// payment attempts. The format mirrors what both providers echo back in
// their notifications: order id, unix timestamp, random suffix.
package reference

import (
	"crypto/rand"
	"fmt"
	"time"
)

const (
	suffixLen     = 6
	suffixCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Generate returns a unique reference for a payment attempt on the order.
// The timestamp plus six random alphanumeric characters keeps the birthday
// collision bound well below operational thresholds.
func Generate(orderID string) string {
	return fmt.Sprintf("%s_%d_%s", orderID, time.Now().Unix(), suffix())
}

func suffix() string {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// fixed marker rather than panicking in the payment path.
		return "000000"
	}
	for i, b := range buf {
		buf[i] = suffixCharset[int(b)%len(suffixCharset)]
	}
	return string(buf)
}
