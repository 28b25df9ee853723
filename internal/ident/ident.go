// Package ident generates the short url-safe identifiers used for
// webhook endpoints, recorded events and request correlation.
package ident

import (
	"crypto/rand"
	"fmt"
)

// 64-character url-safe alphabet, so ids draw evenly from random bytes.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// New returns a fresh random identifier of n characters.
func New(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("BUG: cannot read random bytes: %s", err))
	}
	for i := range b {
		b[i] = alphabet[b[i]&63]
	}
	return string(b)
}
