package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TextKey returns a stable cache key for text: sha256 over the model name and
// the whitespace-trimmed text.
func TextKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(h.Sum(nil))
}

func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
