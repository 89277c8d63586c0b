package track17

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoCredentials indicates a tracking request was attempted before any
// credentials were generated or cached.
var ErrNoCredentials = errors.New("no credentials available")

// ErrEmptySignature indicates the sandbox produced an empty signature string.
var ErrEmptySignature = errors.New("sandbox returned empty signature")

// ErrSignatureTooLarge indicates the sandbox produced a signature exceeding the
// sane upper bound (100000 code units), which means the payload misbehaved.
var ErrSignatureTooLarge = errors.New("signature exceeds maximum length")

// ProtocolError represents an unexpected negative status code in the API's
// meta envelope. Codes -11 and -14 are credential expiry and are handled
// internally; anything else negative surfaces as a ProtocolError.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("api protocol error %d: %s", e.Code, e.Message)
}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop the task immediately.
// Used by the batch scheduler to abort all workers at once.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the task.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
}

// IsRetryableError checks if the error is temporary and worth retrying,
// possibly with a new proxy.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
