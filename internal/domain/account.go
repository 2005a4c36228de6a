// Package domain contains core domain types shared across the client.
package domain

import (
	"time"
)

// Credentials carry the opaque session state handed over by the external
// credential supplier: cookies to attach to the provider session plus any
// header overrides. Empty cookies mean an anonymous session.
type Credentials struct {
	Cookies map[string]string
	Headers map[string]string
}

// Owned reports whether the credentials belong to a pre-existing account.
// Owned sessions are exempt from quota counters until the provider reports
// a concrete allotment.
func (c Credentials) Owned() bool {
	return len(c.Cookies) > 0
}

// MailboxCredentials authenticate against the disposable-inbox provider.
type MailboxCredentials struct {
	Cookies map[string]string
	Headers map[string]string
}

// FollowUp references an earlier answer so the provider continues the same
// backend conversation. Mutually exclusive with fresh attachments.
type FollowUp struct {
	BackendUUID string   `json:"backend_uuid"`
	Attachments []string `json:"attachments"`
}

// AccountRecord is the ledger row for one provisioned account.
type AccountRecord struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	PremiumCredits int       `json:"premium_credits"`
	UploadCredits  int       `json:"upload_credits"`
	Retired        bool      `json:"retired"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Usable returns true if the account still has any credit left.
func (a *AccountRecord) Usable() bool {
	return !a.Retired && (a.PremiumCredits > 0 || a.UploadCredits > 0)
}
