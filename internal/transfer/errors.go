package transfer

import "fmt"

// UnexpectedStatusError represents a response status outside the set the
// resume protocol understands (200, 206 and 416). These are treated as
// transient and retried.
type UnexpectedStatusError struct {
	URL        string // URL the request was issued against
	StatusCode int    // HTTP status code of the response
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// RetryBudgetError marks a transfer as terminally failed after its attempt
// budget ran out. The partial file stays on disk for a later run to resume.
type RetryBudgetError struct {
	URL      string // URL of the failed transfer
	Attempts int    // How many attempts were made before giving up
	Err      error  // The error of the final attempt
}

func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("transfer of %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetryBudgetError) Unwrap() error {
	return e.Err
}

// DestinationError represents a local filesystem failure at the transfer
// destination, such as a partial file that cannot be opened or renamed.
type DestinationError struct {
	Path string // The local path that caused the error
	Err  error  // Underlying error, if any
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination error for '%s': %v", e.Path, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}
