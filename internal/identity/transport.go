package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/protocol"
	"github.com/ashureev/pplx/internal/stream"
)

// channelAsk drives a query through correlated frames on the persistent
// channel. Answer chunks arrive in-band on the answer stream; prompt-step
// replies go out with fresh sequence numbers on the same channel.
type channelAsk struct {
	ident   *Identity
	sess    *protocol.Session
	release func()
}

func (i *Identity) openChannelAsk(ctx context.Context, query string, params map[string]any) (chunkSource, error) {
	sess, err := i.channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := sess.WaitReady(ctx); err != nil {
		return nil, err
	}

	release, err := sess.Correlator().Expect(protocol.StreamAnswer)
	if err != nil {
		return nil, err
	}

	seq := sess.Correlator().Next()
	if err := sess.Send(ctx, seq, "perplexity_ask", query, params); err != nil {
		release()
		return nil, err
	}

	return &channelAsk{ident: i, sess: sess, release: release}, nil
}

func (a *channelAsk) next(ctx context.Context) (stream.Chunk, bool, error) {
	payload, err := a.sess.Correlator().Await(ctx, protocol.StreamAnswer, a.ident.cfg.AnswerTimeout)
	if err != nil {
		return stream.Chunk{}, false, err
	}
	return stream.Decode(payload), false, nil
}

func (a *channelAsk) submitInput(ctx context.Context, backendUUID string, replies []promptReply) error {
	seq := a.sess.Correlator().Next()
	return a.sess.Send(ctx, seq, "perplexity_step", map[string]any{
		"backend_uuid": backendUUID,
		"inputs":       replies,
		"source":       "default",
		"version":      config.APIVersion,
	})
}

func (a *channelAsk) close() { a.release() }

// sseAsk drives a query through the HTTP event-stream endpoint. The ask
// endpoint has no back-channel, so prompt-step replies re-enter as a
// follow-up request referencing the backend conversation id, and the
// exchange continues on the fresh response stream.
type sseAsk struct {
	ident  *Identity
	params map[string]any

	body io.ReadCloser
	pull func() (stream.Chunk, error, bool)
	stop func()
}

func (i *Identity) openSSEAsk(ctx context.Context, query string, params map[string]any) (chunkSource, error) {
	s := &sseAsk{ident: i, params: params}
	if err := s.begin(ctx, map[string]any{
		"query_str": query,
		"params":    params,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sseAsk) begin(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &apierr.ParsingError{What: "encode ask payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ident.cfg.BaseURL+config.PathSSEAsk, bytes.NewReader(data))
	if err != nil {
		return &apierr.NetworkError{Op: "ask request", Err: err}
	}
	s.ident.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.ident.http.Do(req)
	if err != nil {
		return &apierr.NetworkError{Op: "ask", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return &apierr.AuthError{Op: "ask", Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return &apierr.NetworkError{Op: "ask", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	s.drop()
	s.body = resp.Body
	s.pull, s.stop = iter.Pull2(stream.Events(resp.Body))
	return nil
}

func (s *sseAsk) next(context.Context) (stream.Chunk, bool, error) {
	chunk, err, ok := s.pull()
	if !ok {
		return stream.Chunk{}, true, nil
	}
	if err != nil {
		return stream.Chunk{}, false, err
	}
	return chunk, false, nil
}

func (s *sseAsk) submitInput(ctx context.Context, backendUUID string, replies []promptReply) error {
	params := make(map[string]any, len(s.params)+2)
	for k, v := range s.params {
		params[k] = v
	}
	params["last_backend_uuid"] = backendUUID
	params["query_source"] = "user_input"

	return s.begin(ctx, map[string]any{
		"query_str":  "",
		"params":     params,
		"user_input": replies,
	})
}

func (s *sseAsk) close() { s.drop() }

func (s *sseAsk) drop() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
}
