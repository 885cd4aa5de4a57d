package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestUnexpectedStatusError_Error verifies error message formatting
func TestUnexpectedStatusError_Error(t *testing.T) {
	err := &UnexpectedStatusError{
		URL:        "https://lms.example.edu/files/42/download",
		StatusCode: 503,
	}

	expected := "unexpected status 503 fetching https://lms.example.edu/files/42/download"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestRetryBudgetError_Error verifies error message formatting
func TestRetryBudgetError_Error(t *testing.T) {
	err := &RetryBudgetError{
		URL:      "https://lms.example.edu/files/42/download",
		Attempts: 8,
		Err:      errors.New("connection reset"),
	}

	expected := "transfer of https://lms.example.edu/files/42/download failed after 8 attempts: connection reset"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestDestinationError_Error verifies error message formatting
func TestDestinationError_Error(t *testing.T) {
	err := &DestinationError{
		Path: "/archives/2024/Biology 101 [204].imscc.part",
		Err:  errors.New("permission denied"),
	}

	expected := "destination error for '/archives/2024/Biology 101 [204].imscc.part': permission denied"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestRetryBudgetError_Unwrap verifies error chain traversal
func TestRetryBudgetError_Unwrap(t *testing.T) {
	cause := &UnexpectedStatusError{URL: "https://lms.example.edu/f", StatusCode: 502}
	err := &RetryBudgetError{URL: "https://lms.example.edu/f", Attempts: 3, Err: cause}

	if unwrapped := errors.Unwrap(err); unwrapped != error(cause) {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)

	var target *UnexpectedStatusError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should find UnexpectedStatusError in the chain")
	}

	if target.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want %d", target.StatusCode, 502)
	}
}

// TestDestinationError_Unwrap verifies error chain traversal
func TestDestinationError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &DestinationError{Path: "/archives/x.part", Err: cause}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}
}

// TestErrors_NilCause verifies nil underlying errors are handled
func TestErrors_NilCause(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "RetryBudgetError with nil Err",
			err:  &RetryBudgetError{URL: "https://lms.example.edu/f", Attempts: 1, Err: nil},
		},
		{
			name: "DestinationError with nil Err",
			err:  &DestinationError{Path: "/archives/x.part", Err: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if tt.err.Error() == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}
