package domain

import (
	"crypto/rand"
)

// idAlphabet has exactly 64 symbols so a random byte masked to 6 bits
// maps onto it without modulo bias.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const idLength = 10

// NewMessageID returns a fresh 10-character URL-safe message id.
func NewMessageID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[b&63]
	}
	return string(buf)
}
