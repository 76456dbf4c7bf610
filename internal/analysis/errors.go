package analysis

import (
	"errors"
	"fmt"
)

// TransientProviderError is a provider failure worth retrying: rate limits,
// overload, 5xx responses, timeouts and connection failures.
type TransientProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis: transient provider error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("analysis: transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// TerminalProviderError is a provider or input failure that no retry fixes.
type TerminalProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TerminalProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis: terminal provider error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("analysis: terminal provider error: %s: %v", e.Message, e.Err)
	}
	return "analysis: terminal provider error: " + e.Message
}

func (e *TerminalProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientProviderError
	return errors.As(err, &transient)
}

// classifyStatus maps a provider HTTP status to the error taxonomy.
func classifyStatus(status int, message string) error {
	switch status {
	case 429, 500, 502, 503, 504, 529:
		return &TransientProviderError{StatusCode: status, Message: message}
	default:
		return &TerminalProviderError{StatusCode: status, Message: message}
	}
}
