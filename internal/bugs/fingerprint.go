package bugs

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	digitRuns = regexp.MustCompile(`\d+`)
	hexRuns   = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	spaceRuns = regexp.MustCompile(`\s+`)
)

// Fingerprint derives a stable identity for a detection so that the same
// underlying fault recurring in the same service maps to the same bug.
// Volatile parts of the evidence (ids, counters, addresses, timestamps)
// are collapsed before hashing, so "connection 4312 refused" and
// "connection 97 refused" collide on purpose.
func Fingerprint(service string, category Category, evidence string) string {
	line := firstMeaningfulLine(evidence)
	line = strings.ToLower(line)
	line = hexRuns.ReplaceAllString(line, "#")
	line = digitRuns.ReplaceAllString(line, "#")
	line = spaceRuns.ReplaceAllString(line, " ")
	line = strings.TrimSpace(line)

	sum := sha256.Sum256([]byte(service + "|" + string(category) + "|" + line))
	return hex.EncodeToString(sum[:])[:16]
}

// firstMeaningfulLine returns the first non-empty line of the evidence.
func firstMeaningfulLine(evidence string) string {
	for _, line := range strings.Split(evidence, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}
