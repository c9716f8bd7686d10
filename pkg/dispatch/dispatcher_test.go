package dispatch

import (
	"context"
	"errors"
	"raffle-bot/pkg/event"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(channel snowflake.ID, content string) event.Event {
	return event.Event{ID: uuid.New(), Type: event.TypeMessage, ChannelID: channel, Content: content}
}

func TestPerChannelOrder(t *testing.T) {
	var mu sync.Mutex
	got := make(map[snowflake.ID][]int)
	var wg sync.WaitGroup

	d := New(func(ctx context.Context, e event.Event) {
		defer wg.Done()
		// jitter so workers interleave
		time.Sleep(time.Duration(len(e.Content)%3) * time.Millisecond)
		mu.Lock()
		got[e.ChannelID] = append(got[e.ChannelID], int(e.Timestamp.UnixNano()))
		mu.Unlock()
	}, Config{Workers: 4, QueueLimit: 100})
	require.NoError(t, d.Start(context.Background()))

	const perChannel = 30
	for i := range perChannel {
		for channel := snowflake.ID(1); channel <= 5; channel++ {
			e := ev(channel, string(make([]byte, i)))
			e.Timestamp = time.Unix(0, int64(i))
			wg.Add(1)
			require.NoError(t, d.Submit(e))
		}
	}
	wg.Wait()
	require.NoError(t, d.Stop(time.Second))

	for channel := snowflake.ID(1); channel <= 5; channel++ {
		require.Len(t, got[channel], perChannel)
		for i, seq := range got[channel] {
			assert.Equal(t, i, seq, "channel %d out of order", channel)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	d := New(func(ctx context.Context, e event.Event) {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	}, Config{Workers: 3, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	for channel := snowflake.ID(1); channel <= 12; channel++ {
		wg.Add(1)
		require.NoError(t, d.Submit(ev(channel, "x")))
	}
	wg.Wait()
	require.NoError(t, d.Stop(time.Second))

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1), "different channels should run in parallel")
}

func TestSlowChannelDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	fast := make(chan struct{})
	d := New(func(ctx context.Context, e event.Event) {
		if e.ChannelID == 1 {
			<-release
			return
		}
		close(fast)
	}, Config{Workers: 2, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Submit(ev(1, "slow")))
	require.NoError(t, d.Submit(ev(1, "queued behind slow")))
	require.NoError(t, d.Submit(ev(2, "fast")))

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast channel was starved by the slow one")
	}
	close(release)
	require.NoError(t, d.Stop(time.Second))
}

func TestDuplicateEventsDropped(t *testing.T) {
	var count atomic.Int32
	d := New(func(ctx context.Context, e event.Event) {
		count.Add(1)
	}, Config{Workers: 1, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	e := ev(1, "!ping")
	require.NoError(t, d.Submit(e))
	assert.ErrorIs(t, d.Submit(e), ErrDuplicate)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	// still a duplicate after it was handled
	assert.ErrorIs(t, d.Submit(e), ErrDuplicate)
	require.NoError(t, d.Stop(time.Second))
	assert.Equal(t, int32(1), count.Load())
}

func TestDedupeWindowExpires(t *testing.T) {
	var count atomic.Int32
	d := New(func(ctx context.Context, e event.Event) {
		count.Add(1)
	}, Config{Workers: 1, QueueLimit: 10, DedupePeriod: 10 * time.Millisecond})
	require.NoError(t, d.Start(context.Background()))

	e := ev(1, "!ping")
	require.NoError(t, d.Submit(e))
	require.Eventually(t, func() bool {
		return d.Submit(e) == nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, d.Stop(time.Second))
}

func TestQueueLimit(t *testing.T) {
	block := make(chan struct{})
	d := New(func(ctx context.Context, e event.Event) {
		<-block
	}, Config{Workers: 1, QueueLimit: 2})
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Submit(ev(1, "running")))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Submit(ev(1, "queued 1")))
	require.NoError(t, d.Submit(ev(1, "queued 2")))
	assert.ErrorIs(t, d.Submit(ev(1, "overflow")), ErrQueueFull)
	// other channels have their own budget
	require.NoError(t, d.Submit(ev(2, "other")))

	close(block)
	require.NoError(t, d.Stop(time.Second))
}

func TestSubmitLifecycle(t *testing.T) {
	d := New(func(context.Context, event.Event) {}, Config{Workers: 1, QueueLimit: 1})
	assert.ErrorIs(t, d.Submit(ev(1, "early")), ErrNotStarted)

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(time.Second))
	require.NoError(t, d.Stop(time.Second))
	assert.ErrorIs(t, d.Submit(ev(1, "late")), ErrStopped)
	assert.ErrorIs(t, d.Start(context.Background()), ErrStopped)
}

func TestCancelledContextEndsWorkers(t *testing.T) {
	var handled atomic.Int32
	d := New(func(context.Context, event.Event) { handled.Add(1) }, Config{Workers: 2, QueueLimit: 10, DedupePeriod: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.Submit(ev(1, "before")))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(d.Submit(ev(1, "after")), ErrStopped)
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("workers kept running after their context was cancelled")
	}
	assert.NoError(t, d.Stop(time.Second))
	assert.Equal(t, int32(1), handled.Load())
}

func TestStopDropsQueuedAndWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var handled atomic.Int32
	var finished atomic.Bool
	d := New(func(ctx context.Context, e event.Event) {
		handled.Add(1)
		if e.Content == "first" {
			close(started)
			<-release
			finished.Store(true)
		}
	}, Config{Workers: 1, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Submit(ev(1, "first")))
	<-started
	require.NoError(t, d.Submit(ev(1, "second")))
	require.NoError(t, d.Submit(ev(2, "third")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, d.Stop(time.Second))

	assert.True(t, finished.Load(), "in-flight handler must finish before Stop returns")
	assert.Equal(t, int32(1), handled.Load(), "queued events must not start after Stop")
	assert.Zero(t, d.Pending())
}

func TestStopGraceTimeoutCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	d := New(func(ctx context.Context, e event.Event) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}, Config{Workers: 1, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Submit(ev(1, "stuck")))
	<-started

	assert.ErrorIs(t, d.Stop(20*time.Millisecond), ErrShutdownTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled after the grace period")
	}
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	var handled atomic.Int32
	d := New(func(ctx context.Context, e event.Event) {
		if e.Content == "boom" {
			panic("boom")
		}
		handled.Add(1)
	}, Config{Workers: 1, QueueLimit: 10})
	require.NoError(t, d.Start(context.Background()))

	require.NoError(t, d.Submit(ev(1, "boom")))
	require.NoError(t, d.Submit(ev(1, "after")))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.Stop(time.Second))
}
