package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a prefixed random identifier, e.g. "cp_3f9c...". 12 random
// bytes keep ids short enough for logs while making collisions implausible.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	suffix := hex.EncodeToString(buf)
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}
