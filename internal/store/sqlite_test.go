package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/domain"
)

func newTestLedger(t *testing.T) Ledger {
	t.Helper()
	ledger, err := NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func record(id string) *domain.AccountRecord {
	now := time.Now().Truncate(time.Second)
	return &domain.AccountRecord{
		ID:             id,
		Email:          id + "@example.com",
		PremiumCredits: 5,
		UploadCredits:  10,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAccount(ctx, record("acc-1")))
	later := record("acc-2")
	later.CreatedAt = later.CreatedAt.Add(time.Second)
	require.NoError(t, ledger.RecordAccount(ctx, later))

	active, err := ledger.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "acc-1", active[0].ID)
	assert.Equal(t, "acc-1@example.com", active[0].Email)
	assert.Equal(t, 5, active[0].PremiumCredits)
	assert.Equal(t, 10, active[0].UploadCredits)
}

func TestLedgerRecordIsUpsert(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAccount(ctx, record("acc-1")))

	rec := record("acc-1")
	rec.PremiumCredits = 3
	require.NoError(t, ledger.RecordAccount(ctx, rec))

	active, err := ledger.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].PremiumCredits)
}

func TestLedgerUpdateCredits(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAccount(ctx, record("acc-1")))
	require.NoError(t, ledger.UpdateCredits(ctx, "acc-1", 4, 8))

	active, err := ledger.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 4, active[0].PremiumCredits)
	assert.Equal(t, 8, active[0].UploadCredits)
}

func TestLedgerRetire(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.RecordAccount(ctx, record("acc-1")))
	require.NoError(t, ledger.RecordAccount(ctx, record("acc-2")))
	require.NoError(t, ledger.RetireAccount(ctx, "acc-1"))

	active, err := ledger.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "acc-2", active[0].ID)

	// Re-recording resurrects a retired account.
	require.NoError(t, ledger.RecordAccount(ctx, record("acc-1")))
	active, err = ledger.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestLedgerPing(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(t)
	assert.NoError(t, ledger.Ping(context.Background()))
}

func TestIsContention(t *testing.T) {
	t.Parallel()

	assert.False(t, isContention(nil))
	assert.False(t, isContention(errors.New("no such table: accounts")))
	assert.True(t, isContention(errors.New("SQLITE_BUSY: database table is locked")))
	assert.True(t, isContention(errors.New("database is locked (5)")))
}
