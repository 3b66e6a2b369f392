package fetch

import (
	"errors"
	"fmt"
)

// ConfigurationError represents an invalid source/destination configuration.
// This includes empty source lists, multiple sources paired with a single
// file destination, malformed URLs, and URLs with no derivable filename.
// It is surfaced before any network call and is never retried.
type ConfigurationError struct {
	Field  string // The configuration field that is invalid (e.g., "src", "dest")
	Reason string // Human-readable explanation of why the configuration is invalid
	Err    error  // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NetworkError represents a failure while talking to a remote server.
// Retryable marks transient failures (timeouts, connection resets, 5xx,
// 408/429) eligible for another attempt; everything else is final.
type NetworkError struct {
	URL        string // The source URL the request was issued against
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Reason     string // Error message from the server or network layer
	Retryable  bool   // Whether another attempt may succeed
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error fetching %s (HTTP %d): %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("network error fetching %s: %s", e.URL, e.Reason)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FilesystemError represents a local write failure: directory creation,
// staging file writes, or the final rename. Fatal for the affected unit,
// never retried, but sibling units keep going.
type FilesystemError struct {
	Path string // The path the operation targeted
	Op   string // The operation that failed (e.g., "mkdir", "stage", "rename")
	Err  error  // Underlying error, if any
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient network failure worth
// another attempt.
func IsRetryable(err error) bool {
	var nerr *NetworkError
	return errors.As(err, &nerr) && nerr.Retryable
}
