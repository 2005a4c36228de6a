// Package pool maintains the working set of provisioned identities: a
// background loop replaces exhausted accounts through the mailbox sign-in
// flow, and a dispatcher routes queries to an identity with sufficient
// remaining quota.
package pool

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/identity"
	"github.com/ashureev/pplx/internal/mailbox"
	"github.com/ashureev/pplx/internal/store"
	"github.com/ashureev/pplx/internal/stream"
)

// Pool owns its identities. The pool lock guards only list scans and
// mutations, never a network call.
type Pool struct {
	cfg          *config.Config
	mailboxCreds domain.MailboxCredentials
	ledger       store.Ledger
	logger       *slog.Logger

	mu         sync.Mutex
	identities []*identity.Identity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of aggregate pool capacity.
type Stats struct {
	Identities     int `json:"identities"`
	DualCapable    int `json:"dual_capable"`
	PremiumCredits int `json:"premium_credits"`
	UploadCredits  int `json:"upload_credits"`
}

// New creates a pool. The ledger may be nil to disable persistence.
func New(cfg *config.Config, mailboxCreds domain.MailboxCredentials, ledger store.Ledger, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:          cfg,
		mailboxCreds: mailboxCreds,
		ledger:       ledger,
		logger:       logger,
	}
}

// Add inserts an externally created identity, e.g. one built from owner
// credentials.
func (p *Pool) Add(ident *identity.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities = append(p.identities, ident)
}

// Start launches the provisioning workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for w := 0; w < p.cfg.ProvisionWorkers; w++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.provisionLoop(ctx, worker)
		}(w)
	}
}

// Stop halts provisioning and closes every identity.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	idents := p.identities
	p.identities = nil
	p.mu.Unlock()
	for _, ident := range idents {
		ident.Close()
	}
}

// provisionLoop keeps the aggregate dual-capable credit above target. Each
// account attempt is retried under exponential backoff with jitter; a full
// round of failures opens the breaker and idles the worker for the
// configured cooldown, so a permanently broken mailbox credential cannot
// hot-loop.
func (p *Pool) provisionLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)

	for ctx.Err() == nil {
		if !p.belowTarget() {
			select {
			case <-time.After(p.cfg.DispatchInterval):
			case <-ctx.Done():
			}
			continue
		}

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, p.provisionOne(ctx)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(uint(p.cfg.ProvisionMaxFailures)),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("provisioning breaker open", "cooldown", p.cfg.ProvisionBreakerCooldown, "error", err)
			select {
			case <-time.After(p.cfg.ProvisionBreakerCooldown):
			case <-ctx.Done():
			}
		}
	}
}

// provisionOne creates, signs in, and inserts a single identity. On any
// step failure the partial identity is discarded; the caller owns retries.
func (p *Pool) provisionOne(ctx context.Context) error {
	mbox, err := mailbox.New(ctx, p.cfg, p.mailboxCreds)
	if err != nil {
		return err
	}

	ident, err := identity.New(ctx, p.cfg, domain.Credentials{}, p.logger)
	if err != nil {
		return err
	}

	if err := ident.SignIn(ctx, mbox); err != nil {
		ident.Close()
		return err
	}

	p.mu.Lock()
	p.identities = append(p.identities, ident)
	evicted := p.evictLocked()
	p.mu.Unlock()

	p.logger.Info("identity added to pool", "email", ident.Email(), "evicted", len(evicted))

	p.record(ctx, ident)
	for _, old := range evicted {
		old.Close()
		p.retire(ctx, old)
	}
	return nil
}

// belowTarget reports whether the aggregate credit of dual-capable
// identities is under either configured target.
func (p *Pool) belowTarget() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.identities) == 0 {
		return true
	}
	premium, uploads := p.dualAggregatesLocked()
	return premium < p.cfg.PoolPremiumTarget || uploads < p.cfg.PoolUploadTarget
}

func (p *Pool) dualAggregatesLocked() (premium, uploads int) {
	for _, ident := range p.identities {
		if dual, pr, up := ident.Governor().DualCapable(); dual {
			premium += pr
			uploads += up
		}
	}
	return premium, uploads
}

// evictLocked removes exhausted identities and, while the dual-capable
// aggregate holds at least half of each target, stranded single-capability
// ones. Single-capability identities never count toward the aggregate, so
// dropping them cannot push it lower. The list is rebuilt rather than
// mutated mid-scan; removed identities are returned for teardown outside
// the lock.
func (p *Pool) evictLocked() []*identity.Identity {
	dualPremium, dualUploads := p.dualAggregatesLocked()
	healthy := dualPremium >= p.cfg.PoolPremiumTarget/2 && dualUploads >= p.cfg.PoolUploadTarget/2

	keep := make([]*identity.Identity, 0, len(p.identities))
	var evicted []*identity.Identity
	for _, ident := range p.identities {
		pr, up := ident.Governor().Remaining()
		exhausted := pr == 0 && up == 0
		single := pr >= 0 && (pr == 0) != (up == 0)
		if exhausted || (single && healthy) {
			evicted = append(evicted, ident)
			continue
		}
		keep = append(keep, ident)
	}
	p.identities = keep
	return evicted
}

// Acquire returns the first identity, in pool order, whose governor would
// admit the request. It waits at a bounded interval while the provisioning
// loop catches up; the caller's context bounds the overall wait.
func (p *Pool) Acquire(ctx context.Context, mode string, files int) (*identity.Identity, error) {
	premium := config.PremiumModes[mode]
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		for _, ident := range p.identities {
			if ident.Governor().CanServe(premium, files) {
				p.mu.Unlock()
				return ident, nil
			}
		}
		p.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Search dispatches one query to a capable identity and yields its chunks.
// The admission charge happens inside the identity; if a concurrent caller
// won the race for the last credit, dispatch transparently rescans.
func (p *Pool) Search(ctx context.Context, query string, opts identity.SearchOptions) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		for {
			ident, err := p.Acquire(ctx, opts.Mode, len(opts.Files))
			if err != nil {
				yield(stream.Chunk{}, err)
				return
			}

			lostRace := false
			first := true
			for chunk, err := range ident.Search(ctx, query, opts) {
				var quotaErr *apierr.QuotaError
				if first && err != nil && errors.As(err, &quotaErr) {
					lostRace = true
					break
				}
				first = false
				if !yield(chunk, err) {
					return
				}
				if err != nil {
					return
				}
			}
			if !lostRace {
				p.snapshot(ctx, ident)
				return
			}
		}
	}
}

// SearchAnswer buffers a dispatched search and returns the final chunk.
func (p *Pool) SearchAnswer(ctx context.Context, query string, opts identity.SearchOptions) (stream.Chunk, error) {
	return stream.Collect(p.Search(ctx, query, opts))
}

// Snapshot returns current aggregate capacity.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Identities: len(p.identities)}
	for _, ident := range p.identities {
		if dual, pr, up := ident.Governor().DualCapable(); dual {
			stats.DualCapable++
			stats.PremiumCredits += pr
			stats.UploadCredits += up
		}
	}
	return stats
}

func (p *Pool) record(ctx context.Context, ident *identity.Identity) {
	if p.ledger == nil {
		return
	}
	pr, up := ident.Governor().Remaining()
	rec := &domain.AccountRecord{
		ID:             ident.ID(),
		Email:          ident.Email(),
		PremiumCredits: pr,
		UploadCredits:  up,
		CreatedAt:      ident.CreatedAt(),
		UpdatedAt:      time.Now(),
	}
	if err := p.ledger.RecordAccount(ctx, rec); err != nil {
		p.logger.Warn("ledger record failed", "identity", ident.ID(), "error", err)
	}
}

func (p *Pool) snapshot(ctx context.Context, ident *identity.Identity) {
	if p.ledger == nil {
		return
	}
	pr, up := ident.Governor().Remaining()
	if err := p.ledger.UpdateCredits(ctx, ident.ID(), pr, up); err != nil {
		p.logger.Warn("ledger snapshot failed", "identity", ident.ID(), "error", err)
	}
}

func (p *Pool) retire(ctx context.Context, ident *identity.Identity) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.RetireAccount(ctx, ident.ID()); err != nil {
		p.logger.Warn("ledger retire failed", "identity", ident.ID(), "error", err)
	}
}
