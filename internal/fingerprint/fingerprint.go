// Package fingerprint derives the deduplication key for inbound alerts.
//
// Fields are joined with "|" before hashing, so the key is only unambiguous
// when service does not contain "|". The alert API rejects such services;
// severity is a closed set and the message is last.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MessagePrefix is the number of message characters that contribute to a fingerprint.
	MessagePrefix = 100

	// Length is the number of hex characters in a fingerprint.
	Length = 16

	delimiter = "|"
)

// Compute returns the fingerprint for an alert. The result depends only on
// the lowercased service, severity and the first MessagePrefix characters of
// message, so alerts that differ only in case or in a long message tail
// collapse to the same key.
func Compute(service, severity, message string) string {
	raw := strings.ToLower(strings.Join([]string{service, severity, Prefix(message, MessagePrefix)}, delimiter))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:Length]
}

// Prefix returns the first n characters (runes) of s.
func Prefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
