// Package apierr defines the error taxonomy shared by the protocol,
// identity, and pool layers. Callers match categories with errors.As.
package apierr

import "fmt"

// NetworkError reports a transport or handshake failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error during %s", e.Op)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports a credential rejected by the provider.
type AuthError struct {
	Op     string
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %s", e.Op, e.Detail)
}

// ValidationError reports an invalid caller-supplied parameter combination.
// It is always returned before any network call.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// QuotaReason distinguishes which counter denied an admission.
type QuotaReason int

const (
	QuotaPremiumExhausted QuotaReason = iota
	QuotaUploadsExhausted
)

// QuotaError reports an admission denied by the resource governor.
type QuotaError struct {
	Reason    QuotaReason
	Requested int
	Remaining int
}

func (e *QuotaError) Error() string {
	switch e.Reason {
	case QuotaPremiumExhausted:
		return "query limit exceeded: no premium queries remaining"
	case QuotaUploadsExhausted:
		return fmt.Sprintf("query limit exceeded: %d file upload(s) requested, %d remaining", e.Requested, e.Remaining)
	}
	return "query limit exceeded"
}

// ParsingError reports malformed or self-contradictory frame or stream
// content. Per-chunk decode failures are tolerated; a ParsingError surfaces
// only when the content prevents the request from ever completing.
type ParsingError struct {
	What string
	Err  error
}

func (e *ParsingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parsing error: %s", e.What)
	}
	return fmt.Sprintf("parsing error: %s: %v", e.What, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// UploadError reports a rejected upload ticket or upload request. It is
// fatal for the current request only.
type UploadError struct {
	Filename string
	Detail   string
	Err      error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("file upload failed for %q: %s", e.Filename, e.Detail)
	}
	return fmt.Sprintf("file upload failed for %q: %s: %v", e.Filename, e.Detail, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// MailboxError reports a disposable-inbox failure. It never escapes the
// provisioning loop.
type MailboxError struct {
	Op  string
	Err error
}

func (e *MailboxError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mailbox error during %s", e.Op)
	}
	return fmt.Sprintf("mailbox error during %s: %v", e.Op, e.Err)
}

func (e *MailboxError) Unwrap() error { return e.Err }

// ProvisionError reports a failed account provisioning attempt. The pool
// retries these internally; they are never surfaced to a query caller.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("account provisioning failed at %s", e.Step)
	}
	return fmt.Sprintf("account provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
