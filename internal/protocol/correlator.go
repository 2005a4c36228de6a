package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pplx/internal/apierr"
)

// Stream identifies the logical reply stream an inbound payload belongs to.
// One identity can have at most one request outstanding per stream, but
// distinct streams are served concurrently without cross-talk.
type Stream int

const (
	// StreamAnswer carries query answer chunks (payloads with a nested
	// text field).
	StreamAnswer Stream = iota
	// StreamUploadTicket carries upload-ticket replies (payloads with
	// presigned upload fields).
	StreamUploadTicket
)

func (s Stream) String() string {
	switch s {
	case StreamAnswer:
		return "answer"
	case StreamUploadTicket:
		return "upload_ticket"
	}
	return fmt.Sprintf("stream(%d)", int(s))
}

type inboundResult struct {
	payload json.RawMessage
	err     error
}

// waiter buffers inbound payloads for one expected stream. The reader loop
// appends under the correlator lock and signals; Await drains. The queue
// keeps the reader from ever blocking on a slow caller.
type waiter struct {
	queue  []inboundResult
	notify chan struct{}
}

// Correlator owns an identity's outbound sequence counter and routes
// inbound data frames to whichever pending stream they belong to.
type Correlator struct {
	mu          sync.Mutex
	seq         int64
	lastInbound int64
	waiters     map[Stream]*waiter
	logger      *slog.Logger
}

// NewCorrelator creates a correlator with a fresh sequence counter.
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		waiters: make(map[Stream]*waiter),
		logger:  logger,
	}
}

// Next allocates the next outbound sequence number. Values are strictly
// increasing and never reused for the lifetime of the identity.
func (c *Correlator) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Expect registers interest in a stream before the corresponding request is
// sent, so a fast reply cannot be lost. It fails if a request on the same
// stream is still outstanding. The returned release function must be called
// once the request completes or is abandoned; replies arriving after release
// are drained and discarded.
func (c *Correlator) Expect(stream Stream) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[stream]; exists {
		return nil, &apierr.ParsingError{
			What: fmt.Sprintf("request started on %s stream while a prior one is outstanding", stream),
		}
	}

	w := &waiter{notify: make(chan struct{}, 1)}
	c.waiters[stream] = w

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.waiters[stream] == w {
			delete(c.waiters, stream)
		}
	}, nil
}

// Await blocks until the next payload for the stream arrives, the timeout
// elapses, or the context is cancelled. It never polls.
func (c *Correlator) Await(ctx context.Context, stream Stream, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	w, ok := c.waiters[stream]
	c.mu.Unlock()
	if !ok {
		return nil, &apierr.ParsingError{What: fmt.Sprintf("await on %s stream with no pending request", stream)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(w.queue) > 0 {
			res := w.queue[0]
			w.queue = w.queue[1:]
			c.mu.Unlock()
			return res.payload, res.err
		}
		c.mu.Unlock()

		select {
		case <-w.notify:
		case <-timer.C:
			return nil, &apierr.NetworkError{Op: fmt.Sprintf("await %s reply", stream), Err: context.DeadlineExceeded}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dispatch routes one inbound data frame. Frames for streams nobody is
// waiting on (for example replies whose caller cancelled) are drained here
// so a stale sequence number cannot collide with a later request.
func (c *Correlator) Dispatch(frame Frame) {
	var res inboundResult
	res.payload = frame.Payload

	c.mu.Lock()
	defer c.mu.Unlock()

	if frame.Kind == FrameData {
		if frame.Seq < c.lastInbound {
			res.err = &apierr.ParsingError{
				What: fmt.Sprintf("inbound sequence %d regressed below %d", frame.Seq, c.lastInbound),
			}
		} else {
			c.lastInbound = frame.Seq
		}
	}

	stream := classifyPayload(frame.Payload)
	w, ok := c.waiters[stream]
	if !ok {
		c.logger.Debug("discarding uncorrelated frame", "stream", stream.String(), "seq", frame.Seq)
		return
	}

	w.queue = append(w.queue, res)
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// classifyPayload distinguishes logical streams by payload shape: answer
// chunks carry a nested text field, upload tickets carry presigned fields.
func classifyPayload(payload json.RawMessage) Stream {
	var probe struct {
		URL         string          `json:"url"`
		S3BucketURL string          `json:"s3_bucket_url"`
		Fields      json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return StreamAnswer
	}
	if probe.URL != "" || probe.S3BucketURL != "" || len(probe.Fields) > 0 {
		return StreamUploadTicket
	}
	return StreamAnswer
}
