package govern

import (
	"math"
	"regexp"
	"strings"
)

// HighEntropyMarker replaces tokens flagged by the entropy scan. Distinct
// from the confirmed-secret marker so audits can tell the two apart.
const HighEntropyMarker = "<REDACTED_HIGH_ENTROPY>"

// tokenizer splits on whitespace, quotes, and common code delimiters.
var tokenizer = regexp.MustCompile(`[\s'"=:,;()\[\]{}<>|\\@&#%!?]+`)

// nonTrivial requires at least one digit or encoding symbol. Purely
// alphabetical words (prose, identifiers) never count as secrets.
var nonTrivial = regexp.MustCompile(`[0-9+/=_\-]`)

// ShannonEntropy returns the entropy of a string in bits per character.
// Random base64 of useful length sits near 6.0; English prose around
// 3.5 to 4.0. Encoded secrets typically exceed 4.5.
func ShannonEntropy(token string) float64 {
	if token == "" {
		return 0
	}

	freq := make(map[rune]int)
	var length int
	for _, r := range token {
		freq[r]++
		length++
	}

	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(length)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// FlaggedToken is one over-threshold token found by the scan.
type FlaggedToken struct {
	Token   string
	Entropy float64
}

// ScanHighEntropy returns every token at or above the entropy threshold.
// Tokens shorter than minLen are skipped; so are tokens with no digits or
// encoding symbols.
func ScanHighEntropy(content string, threshold float64, minLen int) []FlaggedToken {
	var flagged []FlaggedToken
	for _, token := range tokenizer.Split(content, -1) {
		token = strings.Trim(token, "'\"`)\\")
		if len(token) < minLen {
			continue
		}
		if !nonTrivial.MatchString(token) {
			continue
		}
		if e := ShannonEntropy(token); e >= threshold {
			flagged = append(flagged, FlaggedToken{Token: token, Entropy: e})
		}
	}
	return flagged
}

// RedactHighEntropy replaces over-threshold tokens with HighEntropyMarker
// and returns the cleaned content plus the number of replacements.
func RedactHighEntropy(content string, threshold float64, minLen int) (string, int) {
	flagged := ScanHighEntropy(content, threshold, minLen)
	if len(flagged) == 0 {
		return content, 0
	}

	redacted := content
	count := 0
	seen := make(map[string]bool)
	for _, f := range flagged {
		if seen[f.Token] {
			continue
		}
		seen[f.Token] = true
		n := strings.Count(redacted, f.Token)
		if n > 0 {
			redacted = strings.ReplaceAll(redacted, f.Token, HighEntropyMarker)
			count += n
		}
	}
	return redacted, count
}
