// SPDX-License-Identifier: MIT

package lease

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/forged/internal/storage"
)

func newTestLeases(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestAcquireRenewRelease(t *testing.T) {
	s := newTestLeases(t)
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "run-1", "owner-a", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held lease refuses a second owner.
	ok, err = s.Acquire(ctx, "run-1", "owner-b", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	// Renewal works for the holder only.
	ok, err = s.Renew(ctx, "run-1", "owner-a", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Renew(ctx, "run-1", "owner-b", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	// Release by a non-holder is a no-op.
	require.NoError(t, s.Release(ctx, "run-1", "owner-b"))
	ok, err = s.Acquire(ctx, "run-1", "owner-b", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "run-1", "owner-a"))
	ok, err = s.Acquire(ctx, "run-1", "owner-b", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireAfterExpiry(t *testing.T) {
	s := newTestLeases(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	ok, err := s.Acquire(ctx, "run-1", "owner-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Still live one second before expiry.
	s.now = func() time.Time { return base.Add(14 * time.Second) }
	ok, err = s.Acquire(ctx, "run-1", "owner-b", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired leases are claimable without any sweeper.
	s.now = func() time.Time { return base.Add(16 * time.Second) }
	ok, err = s.Acquire(ctx, "run-1", "owner-b", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The old owner lost it.
	ok, err = s.Renew(ctx, "run-1", "owner-a", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	s := newTestLeases(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)

	for i := 0; i < workers; i++ {
		owner := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Acquire(ctx, "run-1", owner, DefaultTTL)
			assert.NoError(t, err)
			if ok {
				wins <- owner
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1)
}

func TestReleaseIdempotent(t *testing.T) {
	s := newTestLeases(t)
	ctx := context.Background()

	require.NoError(t, s.Release(ctx, "never-acquired", "owner-a"))

	ok, err := s.Acquire(ctx, "run-1", "owner-a", DefaultTTL)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "run-1", "owner-a"))
	require.NoError(t, s.Release(ctx, "run-1", "owner-a"))
}
