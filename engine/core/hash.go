package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeterministicUID derives a stable identifier from the given parts. Used as
// the last-resort uid when a source record carries no usable key; the same
// (title, source) pair always hashes to the same uid.
func DeterministicUID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "gen-" + hex.EncodeToString(sum[:12])
}
