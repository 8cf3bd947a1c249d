package provideradapter

import "fmt"

// ProviderAPIError carries the diagnostic context of a failed upstream
// exchange: which endpoint was hit, what came back, and the already-redacted
// request detail. It wraps the canonical classification error, so code
// matching the domain error codes keeps working through errors.As.
type ProviderAPIError struct {
	Provider    string
	Operation   string
	Method      string
	URL         string
	Headers     map[string]string
	StatusCode  int
	BodySnippet string
	Err         error
}

func (e *ProviderAPIError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderAPIError) Unwrap() error {
	return e.Err
}
