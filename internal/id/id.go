// Package id names the containers tglogin creates.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Generate returns a random container name: <prefix><12 hex chars>.
func Generate(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return prefix + strconv.FormatInt(time.Now().UnixNano()&0xffffffffffff, 16)
	}
	return prefix + hex.EncodeToString(b)
}

// ForKey returns the stable container name for key: <prefix><16 hex chars>
// of its 64-bit BLAKE2b digest. The raw key never appears in the name, so
// engine listings do not reveal user identifiers.
func ForKey(prefix, key string) string {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	return prefix + hex.EncodeToString(h.Sum(nil))
}
