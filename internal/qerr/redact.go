package qerr

import "regexp"

// Patterns stripped from messages before they leave the process. Internal
// errors can embed dial addresses and credential material from wrapped causes.
var redactions = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`), "[redacted-addr]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-+/=]+`), "Bearer [redacted]"},
	{regexp.MustCompile(`(?i)\bapikey\s+[A-Za-z0-9._\-+/=]+`), "ApiKey [redacted]"},
	{regexp.MustCompile(`(?i)password=[^\s&"']+`), "password=[redacted]"},
	{regexp.MustCompile(`(?i)token=[^\s&"']+`), "token=[redacted]"},
}

// Redact sanitizes a message for client consumption.
func Redact(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.replacement)
	}
	return msg
}
