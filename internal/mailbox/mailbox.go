// Package mailbox is the client for the disposable-inbox provider used
// during account provisioning: generate an address, list messages, open a
// message. The provider is known to deliver messages out of order, so waits
// scan every new message instead of assuming arrival order.
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
)

const generateAttempts = 5

// Message is one inbox entry.
type Message struct {
	MessageID string `json:"messageID"`
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Time      string `json:"time"`
}

// Client is a disposable inbox bound to one generated address.
type Client struct {
	http    *http.Client
	baseURL string
	headers map[string]string
	cookies map[string]string

	email string
	// adIDs are the promotional messages present at creation time; they
	// are filtered from every later read.
	adIDs map[string]bool
	seen  map[string]bool
}

// New generates a fresh address. The provider occasionally returns an empty
// response for generation; that is retried a few times before giving up.
func New(ctx context.Context, cfg *config.Config, creds domain.MailboxCredentials) (*Client, error) {
	headers := make(map[string]string, len(config.EmailnatorHeaders)+len(creds.Headers))
	for k, v := range config.EmailnatorHeaders {
		headers[k] = v
	}
	if token, ok := creds.Cookies["XSRF-TOKEN"]; ok {
		if unquoted, err := url.QueryUnescape(token); err == nil {
			headers["x-xsrf-token"] = unquoted
		}
	}
	for k, v := range creds.Headers {
		headers[k] = v
	}

	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: cfg.EmailnatorURL,
		headers: headers,
		cookies: creds.Cookies,
		adIDs:   make(map[string]bool),
		seen:    make(map[string]bool),
	}

	genPayload := map[string][]string{"email": {"googleMail"}}
	for attempt := 0; attempt < generateAttempts; attempt++ {
		var resp struct {
			Email []string `json:"email"`
		}
		if err := c.post(ctx, "/generate-email", genPayload, &resp); err != nil {
			return nil, err
		}
		if len(resp.Email) > 0 {
			c.email = resp.Email[0]
			break
		}
	}
	if c.email == "" {
		return nil, &apierr.MailboxError{Op: "generate address", Err: fmt.Errorf("no address after %d attempts", generateAttempts)}
	}

	ads, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, ad := range ads {
		c.adIDs[ad.MessageID] = true
	}
	return c, nil
}

// Email returns the generated address.
func (c *Client) Email() string { return c.email }

// Wait polls the inbox until a message matching the predicate arrives or
// the timeout elapses. Non-matching new messages are tolerated and skipped.
func (c *Client) Wait(ctx context.Context, match func(Message) bool, timeout, interval time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msgs, err := c.list(ctx)
		if err != nil {
			return Message{}, err
		}
		for _, msg := range msgs {
			if c.adIDs[msg.MessageID] || c.seen[msg.MessageID] {
				continue
			}
			c.seen[msg.MessageID] = true
			if match(msg) {
				return msg, nil
			}
		}

		if time.Now().After(deadline) {
			return Message{}, &apierr.MailboxError{Op: "wait for message", Err: context.DeadlineExceeded}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Message{}, &apierr.MailboxError{Op: "wait for message", Err: ctx.Err()}
		}
	}
}

// Open returns the raw body of a message.
func (c *Client) Open(ctx context.Context, messageID string) (string, error) {
	body, err := c.rawPost(ctx, "/message-list", map[string]string{
		"email":     c.email,
		"messageID": messageID,
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) list(ctx context.Context) ([]Message, error) {
	var resp struct {
		MessageData []Message `json:"messageData"`
	}
	if err := c.post(ctx, "/message-list", map[string]string{"email": c.email}, &resp); err != nil {
		return nil, err
	}
	return resp.MessageData, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := c.rawPost(ctx, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &apierr.MailboxError{Op: "decode " + path, Err: err}
	}
	return nil
}

func (c *Client) rawPost(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &apierr.MailboxError{Op: "encode " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &apierr.MailboxError{Op: path, Err: err}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range c.cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apierr.MailboxError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &apierr.MailboxError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierr.MailboxError{Op: "read " + path, Err: err}
	}
	return body, nil
}
