package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/coder/websocket"
)

const authPayload = `40{"jwt":"anonymous-ask-user"}`

// Session owns the persistent full-duplex channel for one identity. It
// performs the two-phase handshake, upgrades to a websocket, answers
// control frames, and pushes every inbound data frame to the correlator.
// It holds no per-request state.
type Session struct {
	cfg    *config.Config
	http   *http.Client
	ws     *websocket.Conn
	corr   *Correlator
	logger *slog.Logger

	sid   string
	ready chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Open performs the handshake and establishes the channel. The returned
// session is not usable for queries until WaitReady has returned: the
// server's probe reply must be confirmed first.
//
// The http.Client must carry the identity's cookie jar; the websocket
// upgrade authenticates through it.
func Open(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ts := fmt.Sprintf("%08x", rand.Uint32())
	pollURL := fmt.Sprintf("%s?EIO=4&transport=polling&t=%s", cfg.SocketIOURL(), ts)

	sid, err := fetchSessionID(ctx, httpClient, pollURL)
	if err != nil {
		return nil, err
	}

	if err := authenticateSession(ctx, httpClient, pollURL+"&sid="+sid); err != nil {
		return nil, err
	}

	wsURL := strings.Replace(cfg.SocketIOURL(), "http", "ws", 1) +
		fmt.Sprintf("?EIO=4&transport=websocket&sid=%s", sid)

	header := http.Header{}
	if ua, ok := config.DefaultHeaders["user-agent"]; ok {
		header.Set("User-Agent", ua)
	}

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, &apierr.NetworkError{Op: "channel upgrade", Err: err}
	}
	// Answer chunks can be large.
	ws.SetReadLimit(16 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		http:   httpClient,
		ws:     ws,
		corr:   NewCorrelator(logger),
		logger: logger,
		sid:    sid,
		ready:  make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(frameProbe)); err != nil {
		s.Close()
		return nil, &apierr.NetworkError{Op: "channel probe", Err: err}
	}

	go s.readLoop(readCtx)

	return s, nil
}

// fetchSessionID performs the first handshake phase: the polling GET whose
// body is a leading digit followed by a JSON object carrying the session id.
func fetchSessionID(ctx context.Context, client *http.Client, pollURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return "", &apierr.NetworkError{Op: "handshake request", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &apierr.NetworkError{Op: "handshake", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apierr.NetworkError{Op: "handshake read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apierr.NetworkError{Op: "handshake", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	start := strings.IndexByte(string(body), '{')
	if start < 0 {
		return "", &apierr.NetworkError{Op: "handshake", Err: fmt.Errorf("no session payload in %q", truncate(string(body), 64))}
	}

	var payload struct {
		SID string `json:"sid"`
	}
	dec := json.NewDecoder(strings.NewReader(string(body[start:])))
	if err := dec.Decode(&payload); err != nil || payload.SID == "" {
		return "", &apierr.NetworkError{Op: "handshake", Err: fmt.Errorf("malformed session payload: %v", err)}
	}
	return payload.SID, nil
}

// authenticateSession performs the second handshake phase: the polling POST
// that must return the literal acknowledgment OK.
func authenticateSession(ctx context.Context, client *http.Client, authURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(authPayload))
	if err != nil {
		return &apierr.NetworkError{Op: "session auth request", Err: err}
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := client.Do(req)
	if err != nil {
		return &apierr.NetworkError{Op: "session auth", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &apierr.NetworkError{Op: "session auth read", Err: err}
	}
	if string(body) != "OK" {
		return &apierr.NetworkError{Op: "session auth", Err: fmt.Errorf("unexpected acknowledgment %q", truncate(string(body), 64))}
	}
	return nil
}

// WaitReady blocks until the probe confirmation has completed. Callers must
// not send queries before this returns.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return &apierr.NetworkError{Op: "channel ready", Err: fmt.Errorf("channel closed during handshake")}
	case <-ctx.Done():
		return &apierr.NetworkError{Op: "channel ready", Err: ctx.Err()}
	}
}

// Correlator returns the correlator fed by this session's reader.
func (s *Session) Correlator() *Correlator { return s.corr }

// SID returns the negotiated session id.
func (s *Session) SID() string { return s.sid }

// Send tags the event with the given sequence number and writes it to the
// channel.
func (s *Session) Send(ctx context.Context, seq int64, event string, args ...any) error {
	raw, err := EncodeData(seq, event, args...)
	if err != nil {
		return err
	}
	if err := s.ws.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		return &apierr.NetworkError{Op: "channel send", Err: err}
	}
	return nil
}

// Close tears the channel down. It is idempotent and must be called whenever
// the identity's credentials change; the replacement session performs a
// fresh handshake under the new cookies.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.ws.Close(websocket.StatusNormalClosure, "session closed")
		close(s.done)
	})
}

// readLoop is the only goroutine that reads the channel. It answers pings
// immediately, completes the probe confirmation, and hands every data frame
// to the correlator. It never blocks on anything a caller waits on.
func (s *Session) readLoop(ctx context.Context) {
	defer s.Close()

	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("channel read ended", "sid", s.sid, "error", err)
			}
			return
		}

		frame, err := ParseFrame(string(data))
		if err != nil {
			s.logger.Warn("unparseable channel frame", "sid", s.sid, "error", err)
			continue
		}

		switch frame.Kind {
		case FramePing:
			if err := s.ws.Write(ctx, websocket.MessageText, []byte(framePong)); err != nil {
				s.logger.Debug("pong write failed", "sid", s.sid, "error", err)
				return
			}
		case FrameProbeAck:
			if err := s.ws.Write(ctx, websocket.MessageText, []byte(frameUpgrade)); err != nil {
				s.logger.Debug("probe confirm failed", "sid", s.sid, "error", err)
				return
			}
			select {
			case <-s.ready:
			default:
				close(s.ready)
			}
		case FramePong:
			// Reply to our own keepalive; nothing to do.
		case FrameData, FrameBareData:
			s.corr.Dispatch(frame)
		default:
			s.logger.Debug("unrecognised channel frame", "sid", s.sid, "raw", truncate(string(data), 48))
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
