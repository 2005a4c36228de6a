// Package identity implements the provisioned identity: one account's
// cookie session, persistent channel, quota governor, and the query state
// machine that drives a search from submission through prompt sub-dialogues
// to a final answer.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/protocol"
	"github.com/ashureev/pplx/internal/quota"
	"github.com/google/uuid"
)

// Identity is one provisioned account. It is owned by the pool; a search
// borrows it for the duration of one query. The channel reader runs for the
// whole identity lifetime and never blocks on a caller.
type Identity struct {
	id  string
	cfg *config.Config

	http    *http.Client
	baseURL *url.URL
	headers map[string]string

	own bool
	gov *quota.Governor

	// mu guards the channel session handle, which is swapped whenever
	// credentials change (sign-in replaces cookies).
	mu      sync.Mutex
	session *protocol.Session

	frontendUUID      string
	frontendSessionID string

	email     string
	createdAt time.Time
	logger    *slog.Logger
}

// New creates an identity from externally supplied credentials. Empty
// credentials produce an anonymous identity with zero credits; owner
// credentials are exempt from quota until a concrete allotment is assigned.
//
// The provider session is primed with an initial auth request so the cookie
// jar carries the csrf token needed by the sign-in flow.
func New(ctx context.Context, cfg *config.Config, creds domain.Credentials, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if len(creds.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(creds.Cookies))
		for name, value := range creds.Cookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		jar.SetCookies(base, cookies)
	}

	headers := make(map[string]string, len(config.DefaultHeaders)+len(creds.Headers))
	for k, v := range config.DefaultHeaders {
		headers[k] = v
	}
	for k, v := range creds.Headers {
		headers[k] = v
	}

	gov := quota.New(0, 0)
	if creds.Owned() {
		gov = quota.NewUnlimited()
	}

	i := &Identity{
		id:                uuid.NewString(),
		cfg:               cfg,
		http:              &http.Client{Jar: jar},
		baseURL:           base,
		headers:           headers,
		own:               creds.Owned(),
		gov:               gov,
		frontendUUID:      uuid.NewString(),
		frontendSessionID: uuid.NewString(),
		createdAt:         time.Now(),
	}
	i.logger = logger.With("identity", i.id[:8])

	if err := i.primeSession(ctx); err != nil {
		return nil, err
	}

	if cfg.AskTransport == config.TransportChannel {
		if err := i.openChannel(ctx); err != nil {
			return nil, err
		}
	}

	return i, nil
}

// primeSession issues the initial auth request that populates the cookie
// jar, csrf token included.
func (i *Identity) primeSession(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.BaseURL+config.PathAuthSession, nil)
	if err != nil {
		return &apierr.NetworkError{Op: "prime session", Err: err}
	}
	i.applyHeaders(req)

	resp, err := i.http.Do(req)
	if err != nil {
		return &apierr.NetworkError{Op: "prime session", Err: err}
	}
	defer resp.Body.Close()
	return nil
}

// openChannel establishes a fresh persistent channel and blocks until the
// probe confirmation completes. Any prior channel is closed after the swap.
func (i *Identity) openChannel(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, i.cfg.HandshakeTimeout)
	defer cancel()

	sess, err := protocol.Open(handshakeCtx, i.cfg, i.http, i.logger)
	if err != nil {
		return err
	}
	if err := sess.WaitReady(handshakeCtx); err != nil {
		sess.Close()
		return err
	}

	i.mu.Lock()
	old := i.session
	i.session = sess
	i.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// channel returns the current session, opening one on first use.
func (i *Identity) channel(ctx context.Context) (*protocol.Session, error) {
	i.mu.Lock()
	sess := i.session
	i.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	if err := i.openChannel(ctx); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session, nil
}

func (i *Identity) applyHeaders(req *http.Request) {
	for k, v := range i.headers {
		req.Header.Set(k, v)
	}
}

// ID returns the identity's stable identifier.
func (i *Identity) ID() string { return i.id }

// Email returns the provisioned address, if any.
func (i *Identity) Email() string { return i.email }

// CreatedAt returns the identity's creation time.
func (i *Identity) CreatedAt() time.Time { return i.createdAt }

// Governor exposes the identity's quota governor.
func (i *Identity) Governor() *quota.Governor { return i.gov }

// Close tears down the identity's channel.
func (i *Identity) Close() {
	i.mu.Lock()
	sess := i.session
	i.session = nil
	i.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}
