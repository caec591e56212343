// Package redact scrubs credentials and other sensitive fragments from
// strings before they reach logs or error responses.
package redact

import (
	"log/slog"
	"regexp"
)

// Placeholders substituted for redacted fragments.
const (
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	KeyPlaceholder        = "[REDACTED_KEY]"
	JWTPlaceholder        = "[REDACTED_JWT]"
	PathPlaceholder       = "[REDACTED_PATH]"
	SQLPlaceholder        = "[REDACTED_SQL]"
	StackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// rules run in order; earlier rules win over overlapping later ones.
var rules = []rule{
	// userinfo in database and bus URLs
	{regexp.MustCompile(`(?i)(postgres|postgresql|redis|rediss|mysql)://[^@\s]+@`), CredentialPlaceholder},
	{regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`), KeyPlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), JWTPlaceholder},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`), CredentialPlaceholder},
	{
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|key|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`),
		KeyPlaceholder,
	},
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), StackPlaceholder},
	{
		regexp.MustCompile(
			`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP)[\s\w,*()]+(?:FROM|INTO|SET|TABLE)(?:[\s\w,*()='"$]+)?`,
		),
		SQLPlaceholder,
	},
	{regexp.MustCompile(`(/[\w.-]+){2,}`), PathPlaceholder},
}

// String returns input with every sensitive fragment replaced.
func String(input string) string {
	if input == "" {
		return input
	}
	for _, r := range rules {
		input = r.re.ReplaceAllString(input, r.placeholder)
	}
	return input
}

// Error redacts err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Attr is an "error" log attribute carrying the redacted error text.
func Attr(err error) slog.Attr {
	return slog.String("error", Error(err))
}
