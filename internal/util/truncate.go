package util

import (
	"fmt"
	"os"
	"strings"
)

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB)
const DefaultLogMaxLen = 1024

// ErrorBodyMaxLen caps upstream error bodies embedded in error messages.
const ErrorBodyMaxLen = 500

// TruncateLog truncates long strings for verbose logging.
// This helps control log file growth while maintaining diagnostics capability.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// TruncateErrorBody trims an upstream response body before it is embedded
// in an error message.
func TruncateErrorBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= ErrorBodyMaxLen {
		return s
	}
	return s[:ErrorBodyMaxLen]
}

// IsVerbose reports whether verbose request/response logging is enabled.
func IsVerbose() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_VERBOSE")))
	return v == "1" || v == "true" || v == "yes"
}
