package document

import (
	"crypto/sha1" // #nosec G505 - used for a short id suffix, not for security
	"encoding/hex"
	"regexp"
	"strings"
)

var disallowedIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SinkID transliterates a doc id into the character set accepted by the indexing sink.
// Disallowed characters become underscores and leading or trailing underscores are dropped.
// When that changes the id, the first 8 hex digits of sha1(docID) are appended so distinct
// ids that collapse to the same text stay distinct.
func SinkID(docID string) string {
	candidate := strings.Trim(disallowedIDChars.ReplaceAllString(docID, "_"), "_")
	if candidate == "" {
		candidate = "doc"
	}

	if candidate == docID {
		return candidate
	}

	sum := sha1.Sum([]byte(docID)) // #nosec G401
	digest := hex.EncodeToString(sum[:])

	return candidate + "_" + digest[:8]
}
