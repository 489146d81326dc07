package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scanFunc func(ctx context.Context, listingURL string) (int, error)

func (f scanFunc) Scan(ctx context.Context, listingURL string) (int, error) { return f(ctx, listingURL) }

func TestScheduledScanRecoversFromPanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	scanner := scanFunc(func(_ context.Context, listingURL string) (int, error) {
		if calls.Add(1) == 1 {
			panic("selector exploded")
		}
		assert.Equal(t, "https://site/news/", listingURL)
		return 3, nil
	})

	s := New(zap.NewNop())
	_, err := s.AddScan("@every 1s", "https://site/news/", scanner)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Entries())

	s.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopCancelsRunningScan(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once atomic.Bool
	scanner := scanFunc(func(ctx context.Context, _ string) (int, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})

	s := New(nil)
	_, err := s.AddScan("@every 1s", "https://site/news/", scanner)
	require.NoError(t, err)
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestAddScanRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(nil)
	_, err := s.AddScan("every now and then", "https://site/news/", scanFunc(func(context.Context, string) (int, error) {
		return 0, nil
	}))
	require.Error(t, err)
	assert.Zero(t, s.Entries())
}
