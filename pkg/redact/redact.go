// Package redact masks personally identifiable values in payloads bound
// for logs and trace events. The raw values still flow to downstream
// endpoints; only observability output is masked.
package redact

import "regexp"

var patterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	// Payment card numbers, 13-19 digits with optional separators.
	regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
	// US SSN-like groups.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Phone numbers with country code or separators.
	regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3,4}[ \-.]?\d{3,4}\b`),
}

const mask = "[REDACTED]"

// String masks every PII match in s.
func String(s string) string {
	for _, re := range patterns {
		s = re.ReplaceAllString(s, mask)
	}
	return s
}

// Preview masks s and truncates it to max bytes for trace payloads.
func Preview(s string, max int) string {
	s = String(s)
	if max > 0 && len(s) > max {
		return s[:max] + "..."
	}
	return s
}
