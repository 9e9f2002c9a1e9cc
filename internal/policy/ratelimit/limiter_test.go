package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesRequestsToSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: 100 * time.Millisecond})
	ctx := context.Background()

	// The first token is available immediately.
	require.NoError(t, l.Wait(ctx, "https://lots.example.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://lots.example.com/2"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Other hosts have their own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://cdn.example.com/a.jpg"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterZeroIntervalNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://lots.example.com"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterSetIntervalOverridesHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Hour})
	l.SetInterval("lots.example.com", 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://lots.example.com/x"))
	}

	// Changing an existing bucket applies immediately.
	l.SetInterval("lots.example.com", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "https://lots.example.com/y"))
	require.Error(t, l.Wait(ctx, "https://lots.example.com/z"))
}

func TestLimiterHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultInterval: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "https://lots.example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://lots.example.com"))
}
