package clip

import (
	"strings"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ClassifyExtractionError sorts media tool failures into retryable vs fatal.
//
// Fatal errors (non-retryable):
// - Missing or unreadable segment files
// - Corrupt container data the tools cannot parse
// - Invalid arguments (negative durations, bad paths)
//
// Retryable errors (transient):
// - Resource pressure (out of disk, too many open files)
// - Interrupted or killed tool processes
// - Busy or locked files
//
// Unknown errors don't match known patterns and are treated as retryable,
// bounded by the job's attempt limit.
func ClassifyExtractionError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	lower := strings.ToLower(err.Error())

	if strings.Contains(lower, "no space left") ||
		strings.Contains(lower, "too many open files") ||
		strings.Contains(lower, "resource temporarily unavailable") ||
		strings.Contains(lower, "text file busy") ||
		strings.Contains(lower, "signal: killed") ||
		strings.Contains(lower, "signal: interrupt") ||
		strings.Contains(lower, "context deadline exceeded") {
		return ErrorClassRetryable
	}

	if strings.Contains(lower, "no such file") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "invalid data found") ||
		strings.Contains(lower, "moov atom not found") ||
		strings.Contains(lower, "invalid argument") ||
		strings.Contains(lower, "is a directory") {
		return ErrorClassFatal
	}

	return ErrorClassUnknown
}
