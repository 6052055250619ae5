package callback

import (
	"regexp"
	"unicode/utf8"
)

// maxErrorLength bounds error text leaving this component. Engine tracebacks
// can run to many kilobytes; the owning system only needs the head.
const maxErrorLength = 500

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)api_key`), "API_KEY"},
	{regexp.MustCompile(`(?i)password`), "PASSWORD"},
	{regexp.MustCompile(`(?i)secret`), "SECRET"},
	{regexp.MustCompile(`(?i)token`), "TOKEN"},
	{regexp.MustCompile(`/home/`), "/****/"},
	{regexp.MustCompile(`/root/`), "/****/"},
}

// Sanitize redacts secret-like and path-like substrings from an error message
// and truncates it to a bounded length. Raw errors stay in the logs; only the
// sanitized form crosses the callback boundary.
func Sanitize(message string) string {
	out := message
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	if len(out) > maxErrorLength {
		// Cut on a rune boundary so the truncated message stays valid UTF-8.
		cut := maxErrorLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "... [truncated]"
	}
	return out
}
