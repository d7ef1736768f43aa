// Package util holds small helpers shared across CourtPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

const alphaNumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateRandomAlphaNumeric returns length random characters from [0-9A-Za-z].
// Not suitable for secrets.
func GenerateRandomAlphaNumeric(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(alphaNumeric[rand.IntN(len(alphaNumeric))])
	}
	return b.String()
}
