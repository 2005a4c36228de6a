// Package quota implements admission control for quota-bounded operations,
// scoped to one identity.
package quota

import (
	"sync"

	"github.com/ashureev/pplx/internal/apierr"
)

// Governor tracks one identity's remaining premium-query and file-upload
// credits. All checks and decrements happen under the governor's own lock,
// independent of any pool-level locking, so quota checks for different
// identities never contend.
type Governor struct {
	mu        sync.Mutex
	unlimited bool
	premium   int
	uploads   int
}

// New creates a governor with concrete credit counters.
func New(premium, uploads int) *Governor {
	return &Governor{premium: premium, uploads: uploads}
}

// NewUnlimited creates a governor for an owner-credential identity, exempt
// from both counters until a concrete allotment is assigned.
func NewUnlimited() *Governor {
	return &Governor{unlimited: true}
}

// Charge admits or denies one operation. On admission both counters are
// decremented in the same critical section as the check, so two concurrent
// callers can never overdraw the identity.
func (g *Governor) Charge(premium bool, files int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unlimited {
		return nil
	}
	if premium && g.premium <= 0 {
		return &apierr.QuotaError{Reason: apierr.QuotaPremiumExhausted}
	}
	if files > g.uploads {
		return &apierr.QuotaError{
			Reason:    apierr.QuotaUploadsExhausted,
			Requested: files,
			Remaining: g.uploads,
		}
	}

	if premium {
		g.premium--
	}
	g.uploads -= files
	return nil
}

// CanServe reports whether a charge would currently be admitted, without
// consuming anything. Dispatch uses it for scanning; the authoritative
// decision is still the Charge at submission time.
func (g *Governor) CanServe(premium bool, files int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unlimited {
		return true
	}
	if premium && g.premium <= 0 {
		return false
	}
	return files <= g.uploads
}

// SetAllotment replaces the counters with a concrete allotment, e.g. the
// starting credits assigned right after provisioning. This is the only
// operation that may raise the counters.
func (g *Governor) SetAllotment(premium, uploads int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlimited = false
	g.premium = premium
	g.uploads = uploads
}

// Remaining returns the current counters. For an unlimited governor both
// counts are reported as -1.
func (g *Governor) Remaining() (premium, uploads int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unlimited {
		return -1, -1
	}
	return g.premium, g.uploads
}

// DualCapable reports whether the identity still has both kinds of credit,
// and with how much. Unlimited identities count as dual-capable but report
// no concrete credit.
func (g *Governor) DualCapable() (bool, int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unlimited {
		return true, 0, 0
	}
	return g.premium > 0 && g.uploads > 0, g.premium, g.uploads
}
