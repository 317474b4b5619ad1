package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizharvest/bizharvest/internal/engine"
)

func TestFirstRequestIsImmediate(t *testing.T) {
	p := New(time.Minute)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), engine.SourceDirectory))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSourcesArePartitioned(t *testing.T) {
	p := New(time.Minute)

	// Spending the directory's burst must not delay the registry.
	require.NoError(t, p.Wait(context.Background(), engine.SourceDirectory))

	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), engine.SourceRegistry))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitEnforcesDelay(t *testing.T) {
	p := New(50 * time.Millisecond)

	require.NoError(t, p.Wait(context.Background(), engine.SourceWebSearch))
	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), engine.SourceWebSearch))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	p := New(time.Hour)

	require.NoError(t, p.Wait(context.Background(), engine.SourceDirectory))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx, engine.SourceDirectory)
	require.Error(t, err)
}

func TestZeroDelayNeverBlocks(t *testing.T) {
	p := New(0)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Wait(context.Background(), engine.SourceDirectory))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
