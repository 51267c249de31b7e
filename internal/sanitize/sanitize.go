// Package sanitize cleans provider output before it is stored or logged and
// fingerprints content for dedup/log correlation.
package sanitize

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)drop\s+table`),
	regexp.MustCompile(`(?i)delete\s+from`),
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Content strips control characters and HTML/script-like injection
// constructs from provider output, then collapses the result to printable
// text and trims surrounding whitespace, per spec §4.4 step 5.
func Content(text string) string {
	sanitized := text
	for _, p := range dangerousPatterns {
		sanitized = p.ReplaceAllString(sanitized, "[FILTERED]")
	}
	sanitized = controlChars.ReplaceAllString(sanitized, "")
	return strings.TrimSpace(sanitized)
}

var apiKeyPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`), "[ANTHROPIC_KEY]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[OPENAI_KEY]"},
	{regexp.MustCompile(`AIza[a-zA-Z0-9_-]{20,}`), "[GEMINI_KEY]"},
	{regexp.MustCompile(`pplx-[a-zA-Z0-9]{20,}`), "[PERPLEXITY_KEY]"},
	{regexp.MustCompile(`[A-Za-z0-9]{30,}`), "[API_KEY]"},
}

// MaskAPIKey redacts recognizable credential patterns from log lines so
// provider secrets never reach the logging sink unmasked.
func MaskAPIKey(text string) string {
	masked := text
	for _, p := range apiKeyPatterns {
		masked = p.pattern.ReplaceAllString(masked, p.replacement)
	}
	return masked
}

// Fingerprint returns an 8-hex-character content fingerprint, used as the
// message's `fingerprint` metadata field and for log correlation.
func Fingerprint(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:8]
}

// Sender normalizes an agent display name: trimmed, non-empty, first letter
// upper-cased, per spec §3's Message.sender field.
func Sender(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	r := []rune(name)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
