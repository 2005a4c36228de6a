package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
)

// inboxServer fakes the disposable-inbox provider: address generation and a
// mutable message list.
type inboxServer struct {
	mu sync.Mutex

	emptyGenerations int
	messages         []Message
	bodies           map[string]string
}

func (s *inboxServer) deliver(msg Message, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if s.bodies == nil {
		s.bodies = make(map[string]string)
	}
	s.bodies[msg.MessageID] = body
}

func (s *inboxServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.URL.Path {
	case "/generate-email":
		if s.emptyGenerations > 0 {
			s.emptyGenerations--
			json.NewEncoder(w).Encode(map[string]any{"email": []string{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"email": []string{"box@example.com"}})

	case "/message-list":
		var req struct {
			Email     string `json:"email"`
			MessageID string `json:"messageID"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.MessageID != "" {
			w.Write([]byte(s.bodies[req.MessageID]))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"messageData": s.messages})

	default:
		http.NotFound(w, r)
	}
}

func newInbox(t *testing.T, srv *inboxServer) (*Client, *inboxServer) {
	t.Helper()
	if srv == nil {
		srv = &inboxServer{}
	}
	ts := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(ts.Close)

	client, err := New(context.Background(), &config.Config{EmailnatorURL: ts.URL}, domain.MailboxCredentials{})
	require.NoError(t, err)
	return client, srv
}

func TestNewRetriesEmptyGeneration(t *testing.T) {
	t.Parallel()

	client, _ := newInbox(t, &inboxServer{emptyGenerations: 2})
	assert.Equal(t, "box@example.com", client.Email())
}

func TestWaitFiltersPreexistingAds(t *testing.T) {
	t.Parallel()

	srv := &inboxServer{}
	srv.deliver(Message{MessageID: "ad-1", From: "promo", Subject: "Sign in to Perplexity"}, "ad body")

	client, srv := newInbox(t, srv)

	// The ad carries the wanted subject but predates the client; it must
	// never match. The real message arrives while Wait is polling.
	go func() {
		time.Sleep(30 * time.Millisecond)
		srv.deliver(Message{MessageID: "msg-1", From: "noreply", Subject: "Sign in to Perplexity"}, "real body")
	}()

	msg, err := client.Wait(context.Background(), func(m Message) bool {
		return strings.Contains(m.Subject, "Sign in")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.MessageID)
}

func TestWaitSkipsNonMatching(t *testing.T) {
	t.Parallel()

	client, srv := newInbox(t, nil)
	srv.deliver(Message{MessageID: "spam-1", Subject: "You won"}, "spam")
	srv.deliver(Message{MessageID: "msg-1", Subject: "Verification"}, "verify")

	msg, err := client.Wait(context.Background(), func(m Message) bool {
		return m.Subject == "Verification"
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.MessageID)

	// A second wait must not re-deliver already-seen messages.
	_, err = client.Wait(context.Background(), func(m Message) bool {
		return true
	}, 50*time.Millisecond, 10*time.Millisecond)
	var mailErr *apierr.MailboxError
	require.ErrorAs(t, err, &mailErr)
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()

	client, _ := newInbox(t, nil)

	_, err := client.Wait(context.Background(), func(Message) bool { return true },
		50*time.Millisecond, 10*time.Millisecond)
	var mailErr *apierr.MailboxError
	require.ErrorAs(t, err, &mailErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenReturnsBody(t *testing.T) {
	t.Parallel()

	client, srv := newInbox(t, nil)
	srv.deliver(Message{MessageID: "msg-1", Subject: "hi"}, `<a href="https://example.com/verify">verify</a>`)

	body, err := client.Open(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Contains(t, body, "https://example.com/verify")
}
