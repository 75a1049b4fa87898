package challenge_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/challenge"
)

func TestAcceptsCurrentAndPrevious(t *testing.T) {
	o, err := challenge.New(clockwork.NewFakeClock())
	require.NoError(t, err)

	first := o.Current()
	require.Len(t, first, 64)
	require.True(t, o.Accepts(first))

	second, err := o.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.True(t, o.Accepts(first), "previous still accepted during grace window")
	require.True(t, o.Accepts(second))

	third, err := o.Rotate()
	require.NoError(t, err)
	require.False(t, o.Accepts(first), "first challenge expired after a second rotation")
	require.True(t, o.Accepts(second))
	require.True(t, o.Accepts(third))
}

func TestSubscribeReceivesRotations(t *testing.T) {
	o, err := challenge.New(clockwork.NewFakeClock())
	require.NoError(t, err)

	ch, cancel := o.Subscribe()
	defer cancel()

	next, err := o.Rotate()
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, next, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rotation notification")
	}
}

func TestRunRotatesOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o, err := challenge.New(clock)
	require.NoError(t, err)

	first := o.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx, time.Minute)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return o.Current() != first
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
