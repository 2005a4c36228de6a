package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/apierr"
)

func TestCorrelatorNextMonotonic(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	const goroutines = 8
	const perGoroutine = 100

	seen := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				seen <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for n := range seen {
		assert.False(t, unique[n], "sequence %d issued twice", n)
		unique[n] = true
	}
	assert.Len(t, unique, goroutines*perGoroutine)
}

func TestCorrelatorAwaitReceivesDispatched(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	release, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	defer release()

	go c.Dispatch(Frame{
		Kind:    FrameData,
		Seq:     1,
		Payload: json.RawMessage(`{"text":"chunk"}`),
	})

	payload, err := c.Await(context.Background(), StreamAnswer, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"chunk"}`, string(payload))
}

func TestCorrelatorNoCrossTalk(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	releaseAnswer, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	defer releaseAnswer()
	releaseTicket, err := c.Expect(StreamUploadTicket)
	require.NoError(t, err)
	defer releaseTicket()

	// An upload ticket arrives while an answer is also pending.
	c.Dispatch(Frame{
		Kind:    FrameData,
		Seq:     1,
		Payload: json.RawMessage(`{"url":"https://bucket","fields":{"key":"k"}}`),
	})
	c.Dispatch(Frame{
		Kind:    FrameData,
		Seq:     2,
		Payload: json.RawMessage(`{"text":"answer"}`),
	})

	ticket, err := c.Await(context.Background(), StreamUploadTicket, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(ticket), "bucket")

	answer, err := c.Await(context.Background(), StreamAnswer, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(answer), "answer")
}

func TestCorrelatorSingleOutstandingPerStream(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	release, err := c.Expect(StreamAnswer)
	require.NoError(t, err)

	_, err = c.Expect(StreamAnswer)
	var parseErr *apierr.ParsingError
	require.ErrorAs(t, err, &parseErr)

	release()
	release2, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	release2()
}

func TestCorrelatorSequenceRegression(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	release, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	defer release()

	c.Dispatch(Frame{Kind: FrameData, Seq: 5, Payload: json.RawMessage(`{"text":"a"}`)})
	c.Dispatch(Frame{Kind: FrameData, Seq: 2, Payload: json.RawMessage(`{"text":"b"}`)})

	_, err = c.Await(context.Background(), StreamAnswer, time.Second)
	require.NoError(t, err)

	_, err = c.Await(context.Background(), StreamAnswer, time.Second)
	var parseErr *apierr.ParsingError
	assert.ErrorAs(t, err, &parseErr)
}

func TestCorrelatorDrainsAfterRelease(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	release, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	release() // caller abandoned the request

	// The late reply must be discarded, not queued for the next request.
	c.Dispatch(Frame{Kind: FrameData, Seq: 1, Payload: json.RawMessage(`{"text":"stale"}`)})

	release2, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	defer release2()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Await(ctx, StreamAnswer, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCorrelatorAwaitTimeout(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil)

	release, err := c.Expect(StreamAnswer)
	require.NoError(t, err)
	defer release()

	_, err = c.Await(context.Background(), StreamAnswer, 20*time.Millisecond)
	var netErr *apierr.NetworkError
	require.ErrorAs(t, err, &netErr)
}
