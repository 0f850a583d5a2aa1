package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (d *dispatchLog) record(t time.Time) {
	d.mu.Lock()
	d.times = append(d.times, t)
	d.mu.Unlock()
}

func (d *dispatchLog) snapshot() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func TestMinInterval(t *testing.T) {
	assert.Equal(t, 167*time.Millisecond, New(6).MinInterval())
	assert.Equal(t, 10*time.Millisecond, New(100).MinInterval())
	assert.Equal(t, New(DefaultRate).MinInterval(), New(0).MinInterval())
}

func TestDispatchesAreSpacedRegardlessOfBurst(t *testing.T) {
	l := New(100)
	log := &dispatchLog{}
	l.dispatched = log.record

	const n = 12
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		l.Schedule(context.Background(), wg.Done)
	}
	wg.Wait()

	times := log.snapshot()
	require.Len(t, times, n)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), l.MinInterval(), "dispatch %d too early", i)
	}
}

func TestDispatchOrderIsFIFO(t *testing.T) {
	l := New(200)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	const n = 6
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		l.Schedule(context.Background(), func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	// Each call is dispatched at least one interval after the previous one, which is far
	// longer than goroutine start-up, so recording order follows dispatch order.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestCallsMayOverlapInFlight(t *testing.T) {
	l := New(100)
	release := make(chan struct{})
	started := make(chan struct{}, 3)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		l.Schedule(context.Background(), func() {
			defer wg.Done()
			started <- struct{}{}
			<-release
		})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch blocked on an unfinished call")
		}
	}
	close(release)
	wg.Wait()
}

func TestDoReturnsCallError(t *testing.T) {
	l := New(100)
	want := errors.New("boom")
	err := l.Do(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)
	assert.NoError(t, l.Do(context.Background(), func() error { return nil }))
}

func TestCancelledCallIsSkipped(t *testing.T) {
	l := New(2) // 500ms spacing
	block := make(chan struct{})
	l.Schedule(context.Background(), func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The next call must still go through once the skipped entry is drained.
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))
	assert.False(t, ran)
	assert.Equal(t, 0, l.QueueDepth())
}
