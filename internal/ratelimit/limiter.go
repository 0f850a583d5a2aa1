// Package ratelimit throttles the dispatch rate of outbound calls. It spaces out the
// moment each call starts; it does not bound how many calls are in flight.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultRate stays under the 7 requests/second ceiling of the CRM API.
const DefaultRate = 6

type job struct {
	ctx context.Context
	run func()
}

type Limiter struct {
	minInterval time.Duration

	mu      sync.Mutex
	queue   []job
	running bool

	// lastDispatch is owned by the drain goroutine; only one drain runs at a time.
	lastDispatch time.Time

	sleep      func(context.Context, time.Duration)
	dispatched func(time.Time)
}

// New builds a limiter dispatching at most targetRate calls per second.
func New(targetRate int) *Limiter {
	if targetRate <= 0 {
		targetRate = DefaultRate
	}
	return &Limiter{
		minInterval: time.Duration(math.Ceil(1000/float64(targetRate))) * time.Millisecond,
		sleep:       sleepCtx,
	}
}

func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// QueueDepth reports the number of calls waiting for dispatch.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Schedule enqueues run in FIFO order. The drain loop starts run in its own goroutine
// once its dispatch slot arrives and immediately moves on to the next entry.
// Calls whose ctx is done before their slot are skipped without consuming a slot.
func (l *Limiter) Schedule(ctx context.Context, run func()) {
	l.mu.Lock()
	l.queue = append(l.queue, job{ctx: ctx, run: run})
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.drain()
}

// Do schedules fn and waits for it to complete, returning its error. If ctx ends
// before fn is dispatched, ctx.Err() is returned and fn never runs.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.Schedule(jobCtx, func() {
		done <- fn()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		return ctx.Err()
	}
}

func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if next.ctx.Err() != nil {
			continue
		}

		if !l.lastDispatch.IsZero() {
			if gap := l.minInterval - time.Since(l.lastDispatch); gap > 0 {
				l.sleep(next.ctx, gap)
				if next.ctx.Err() != nil {
					continue
				}
			}
		}

		now := time.Now()
		l.lastDispatch = now
		if l.dispatched != nil {
			l.dispatched(now)
		}
		go next.run()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
