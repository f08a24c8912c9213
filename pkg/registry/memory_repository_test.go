package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRecord(identity, callbackID string) *UserRecord {
	return &UserRecord{
		Identity:    identity,
		UserAddress: identity,
		CallbackID:  callbackID,
		ClaimStatus: StatusPending,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func claimed(subject string) ClaimUpdate {
	return ClaimUpdate{
		Status:       StatusClaimed,
		ClaimString:  `[{"provider":"p"}]`,
		ClaimSubject: subject,
		UpdatedAt:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryRepositoryCreateAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))
	assert.ErrorIs(t, repo.Create(ctx, pendingRecord("0xabc", "cb-2")), ErrConflict)

	rec, err := repo.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.ClaimStatus)

	byCallback, err := repo.GetByCallbackID(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", byCallback.Identity)

	_, err = repo.Get(ctx, "0xdef")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByCallbackID(ctx, "unknown-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))

	rec, err := repo.Get(ctx, "0xabc")
	require.NoError(t, err)
	rec.ClaimStatus = StatusClaimed

	again, err := repo.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.ClaimStatus)
}

func TestMemoryRepositoryCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))
	require.NoError(t, repo.Create(ctx, pendingRecord("0xdef", "cb-2")))

	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0x999", StatusPending, claimed("alice")), ErrNotFound)

	require.NoError(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, claimed("alice")))
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, claimed("bob")), ErrConflict)
	assert.ErrorIs(t, repo.CompareAndSwapClaim(ctx, "0xdef", StatusPending, claimed("alice")), ErrConflict)

	owner, err := repo.FindClaimedBySubject(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", owner.Identity)
	assert.Equal(t, StatusClaimed, owner.ClaimStatus)
	require.NotNil(t, owner.ClaimUpdatedAt)

	_, err = repo.FindClaimedBySubject(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	other, err := repo.Get(ctx, "0xdef")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, other.ClaimStatus)
}

func TestMemoryRepositoryConcurrentCompareAndSwap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.CompareAndSwapClaim(ctx, "0xabc", StatusPending, claimed("alice")) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemoryRepositoryHonoursContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, repo.Create(ctx, pendingRecord("0xabc", "cb-1")), context.Canceled)
	_, err := repo.Get(ctx, "0xabc")
	assert.ErrorIs(t, err, context.Canceled)
}
