package util

import (
	"strings"
	"unicode"
)

// SanitizeInput trims free text and drops control characters other than
// newline and tab. Text is stored as typed; escaping belongs to whatever
// renders it (JSON encoding, html/template in the mailer).
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// ContainsSuspicious reports markup or template fragments in user input.
// Such text is accepted but flagged for review.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "${", "{{", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// NormalizeName lowercases, trims and collapses internal whitespace so
// "  Ravi   KUMAR " and "ravi kumar" compare equal.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeMobile strips everything but digits.
func NormalizeMobile(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskEmail keeps the first two characters of the local part and the domain:
// "volunteer@example.com" becomes "vo*******@example.com".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return strings.Repeat("*", len(email))
	}
	local, domain := email[:at], email[at:]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	return local[:keep] + strings.Repeat("*", len(local)-keep) + domain
}
