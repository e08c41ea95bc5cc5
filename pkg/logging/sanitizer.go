package logging

import (
	"regexp"
)

// RedactedText replaces secrets in anything written to logs.
const RedactedText = "[REDACTED]"

var (
	// password=..., pwd=... in ADO style (key=value;) or URL query strings.
	passwordPattern = regexp.MustCompile(`(?i)\b(password|pwd)(\s*=\s*)[^;&\s]+`)

	// user:pass@ in sqlserver:// and postgres:// URLs.
	userInfoPattern = regexp.MustCompile(`://[^/\s:@]+:[^@\s]+@`)

	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.]+`)

	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{16,}`)
)

func redact(s string) string {
	s = passwordPattern.ReplaceAllString(s, "${1}${2}"+RedactedText)
	s = userInfoPattern.ReplaceAllString(s, "://"+RedactedText+"@")
	s = bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	return apiKeyPattern.ReplaceAllString(s, RedactedText)
}

// SanitizeConnectionString removes credentials from a connection string or
// DSN. Use it before logging any datasource connection detail.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	return redact(connStr)
}

// SanitizeError returns the error text with credentials removed. Driver and
// SDK errors may echo the DSN or request headers back.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return redact(err.Error())
}

// TruncateString truncates s to maxLen bytes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
