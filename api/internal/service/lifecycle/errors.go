package lifecycle

import (
	"errors"
	"fmt"
)

// Error kinds returned by lifecycle operations. Callers match them with
// errors.Is; the wrapped message carries the human readable reason.
var (
	ErrNotFound          = errors.New("container not found")
	ErrInvalidState      = errors.New("invalid container state")
	ErrOwnershipMismatch = errors.New("container belongs to another company")
	ErrHolderMismatch    = errors.New("container is not held by this client")
	ErrClientNotFound    = errors.New("client not found")
	ErrNotAClient        = errors.New("profile is not a client")
	ErrCompanyNotFound   = errors.New("company not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "not_found"},
	{ErrInvalidState, "invalid_state"},
	{ErrOwnershipMismatch, "ownership_mismatch"},
	{ErrHolderMismatch, "holder_mismatch"},
	{ErrClientNotFound, "client_not_found"},
	{ErrNotAClient, "not_a_client"},
	{ErrCompanyNotFound, "company_not_found"},
}

// Kind names the error kind of err, "" for nil and "error" for failures
// outside the lifecycle taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "error"
}

// IsDomainError reports whether err belongs to the lifecycle taxonomy.
func IsDomainError(err error) bool {
	k := Kind(err)
	return k != "" && k != "error"
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}
