package reranker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnexpectedResponse is returned when a backend answers with a payload
	// that does not match the {results: [...]} contract.
	ErrUnexpectedResponse = errors.New("unexpected response format")

	// ErrInvalidIndex is returned when a backend references a document index
	// outside the request or references the same index twice.
	ErrInvalidIndex = errors.New("invalid document index")

	// ErrEngineNotReady is returned by a LocalEngine that failed to initialize.
	ErrEngineNotReady = errors.New("engine not ready")
)

// BackendError reports that the active Scorer could not produce a result.
type BackendError struct {
	Backend string // "local" or "remote"

	// Endpoint is the remote URL the request was sent to (remote only).
	Endpoint string
	// StatusCode is the HTTP status returned by the remote endpoint, if any.
	StatusCode int

	// ExitCode is the engine's exit status (local only); -1 when the process
	// did not exit normally.
	ExitCode *int
	// Stderr is the engine's captured diagnostic output (local only).
	Stderr string

	Err error
}

func (e *BackendError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s backend", e.Backend)
	if e.Endpoint != "" {
		fmt.Fprintf(&sb, " (%s)", e.Endpoint)
	}
	sb.WriteString(" failed")
	if e.ExitCode != nil {
		fmt.Fprintf(&sb, ": command failed with exit code %d", *e.ExitCode)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Backend == localName {
		stderr := strings.TrimSpace(e.Stderr)
		if stderr == "" {
			stderr = "No stderr available"
		}
		fmt.Fprintf(&sb, ". Stderr: %s", stderr)
	}
	return sb.String()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// InternalError wraps failures during normalization or response assembly
// that are not attributable to the backend.
type InternalError struct {
	Err   error
	Stack string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err is or wraps a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
