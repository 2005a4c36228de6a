package quota

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/apierr"
)

func TestChargePremium(t *testing.T) {
	t.Parallel()

	g := New(2, 0)

	require.NoError(t, g.Charge(true, 0))
	require.NoError(t, g.Charge(true, 0))

	err := g.Charge(true, 0)
	var quotaErr *apierr.QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, apierr.QuotaPremiumExhausted, quotaErr.Reason)

	// Non-premium requests are still admitted.
	assert.NoError(t, g.Charge(false, 0))
}

func TestChargeUploads(t *testing.T) {
	t.Parallel()

	g := New(5, 3)

	require.NoError(t, g.Charge(false, 2))

	err := g.Charge(false, 2)
	var quotaErr *apierr.QuotaError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, apierr.QuotaUploadsExhausted, quotaErr.Reason)
	assert.Equal(t, 2, quotaErr.Requested)
	assert.Equal(t, 1, quotaErr.Remaining)

	// A denied charge must not consume anything.
	premium, uploads := g.Remaining()
	assert.Equal(t, 5, premium)
	assert.Equal(t, 1, uploads)
}

func TestChargeDeniedLeavesCountersIntact(t *testing.T) {
	t.Parallel()

	g := New(0, 3)

	// Premium denial must not burn the upload credits requested with it.
	err := g.Charge(true, 2)
	require.Error(t, err)

	premium, uploads := g.Remaining()
	assert.Equal(t, 0, premium)
	assert.Equal(t, 3, uploads)
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	g := NewUnlimited()

	for i := 0; i < 100; i++ {
		require.NoError(t, g.Charge(true, 10))
	}

	premium, uploads := g.Remaining()
	assert.Equal(t, -1, premium)
	assert.Equal(t, -1, uploads)

	dual, _, _ := g.DualCapable()
	assert.True(t, dual)

	// A concrete allotment ends the exemption.
	g.SetAllotment(1, 0)
	require.NoError(t, g.Charge(true, 0))
	require.Error(t, g.Charge(true, 0))
}

func TestDualCapable(t *testing.T) {
	t.Parallel()

	dual, _, _ := New(1, 1).DualCapable()
	assert.True(t, dual)

	dual, _, _ = New(1, 0).DualCapable()
	assert.False(t, dual)

	dual, _, _ = New(0, 1).DualCapable()
	assert.False(t, dual)
}

// TestChargeConcurrentNoOverdraw hammers Charge from many goroutines and
// verifies that exactly the available credit is spent.
//
// Run with: go test -race ./internal/quota/...
func TestChargeConcurrentNoOverdraw(t *testing.T) {
	t.Parallel()

	const credits = 50
	const goroutines = 200

	g := New(credits, 0)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Charge(true, 0); err == nil {
				admitted.Add(1)
			} else {
				var quotaErr *apierr.QuotaError
				if !errors.As(err, &quotaErr) {
					t.Errorf("unexpected error type: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(credits), admitted.Load())
	premium, _ := g.Remaining()
	assert.Equal(t, 0, premium)
}
