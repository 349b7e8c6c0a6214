// Package rand generates cryptographically secure random material.
package rand

import (
	"crypto/rand"
	"math/big"
)

// NewSecret generates a random alphanumeric secret of the given length,
// suitable for use as a shared JWT secret. Lengths <= 0 fall back to 32.
func NewSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	if length <= 0 {
		length = 32
	}

	b := make([]byte, length)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(err)
		}
		b[i] = charset[num.Int64()]
	}
	return string(b)
}
