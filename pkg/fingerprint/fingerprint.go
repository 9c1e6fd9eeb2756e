// Package fingerprint computes the idempotency hash for outbound messages.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Hash returns a stable 16-hex-character fingerprint of (subject, html,
// recipients). Recipients are sorted before hashing, so the result does not
// depend on the order of the to field.
func Hash(subject, html string, recipients []string) string {
	sorted := make([]string, len(recipients))
	copy(sorted, recipients)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte(html))
	h.Write([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
