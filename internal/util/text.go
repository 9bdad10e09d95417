package util

import (
	"regexp"
	"strings"
)

// reExtractionNoise matches emoji, control characters and markdown
// artifacts that scraped news carry and that confuse entity extraction.
var reExtractionNoise = regexp.MustCompile(`[^\x20-\xFF\p{L}\p{N}№\n]+|__|\*\*`)

// SanitizePostgresText strips invalid UTF-8 sequences and NUL bytes,
// which Postgres text columns reject.
func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// CleanForExtraction removes scraping noise before a document is handed
// to entity extraction.
func CleanForExtraction(text string) string {
	return reExtractionNoise.ReplaceAllString(text, "")
}
