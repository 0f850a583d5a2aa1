// Package dp implements the digital pipeline probe: a check whose completion is
// observed through an inbound webhook instead of the triggering response.
package dp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrWebhookTimeout = errors.New("dp webhook not received before timeout")

const EntityType = "leads"

type waiter struct {
	ch    chan error
	timer *time.Timer
}

// Handler holds the pending waiters of one tenant, keyed by tracked entity id.
// Settling a key removes all its waiters under the lock, so none settles twice.
type Handler struct {
	cfg    ProbeConfig
	client Client
	log    *zap.Logger

	mu      sync.Mutex
	waiters map[int64][]*waiter

	// tracked is the marker entity id once resolved.
	tracked atomic.Int64
}

func NewHandler(cfg ProbeConfig, client Client, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = time.Minute
	}
	h := &Handler{
		cfg:     cfg,
		client:  client,
		log:     log.With(zap.String("component", "dp")),
		waiters: make(map[int64][]*waiter),
	}
	if cfg.EntityID > 0 {
		h.tracked.Store(cfg.EntityID)
	}
	return h
}

// TrackedEntity returns the marker entity id, or 0 before it is resolved.
func (h *Handler) TrackedEntity() int64 {
	return h.tracked.Load()
}

// register adds a waiter for entityID and arms its timeout. On expiry every waiter
// still pending for the key is rejected.
func (h *Handler) register(entityID int64) *waiter {
	w := &waiter{ch: make(chan error, 1)}
	h.mu.Lock()
	h.waiters[entityID] = append(h.waiters[entityID], w)
	w.timer = time.AfterFunc(h.cfg.WebhookTimeout, func() {
		h.expire(entityID, w)
	})
	h.mu.Unlock()
	return w
}

func (h *Handler) expire(entityID int64, w *waiter) {
	h.mu.Lock()
	pending := false
	for _, cur := range h.waiters[entityID] {
		if cur == w {
			pending = true
			break
		}
	}
	h.mu.Unlock()
	if pending {
		h.settle(entityID, ErrWebhookTimeout)
	}
}

func (h *Handler) settle(entityID int64, err error) int {
	h.mu.Lock()
	ws := h.waiters[entityID]
	delete(h.waiters, entityID)
	h.mu.Unlock()

	for _, w := range ws {
		w.timer.Stop()
		w.ch <- err
	}
	return len(ws)
}

func (h *Handler) remove(entityID int64, w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.waiters[entityID]
	for i, cur := range ws {
		if cur == w {
			w.timer.Stop()
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(h.waiters, entityID)
	} else {
		h.waiters[entityID] = ws
	}
}

func (h *Handler) await(ctx context.Context, entityID int64, w *waiter) error {
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		h.remove(entityID, w)
		// Settled concurrently with cancellation.
		select {
		case err := <-w.ch:
			return err
		default:
		}
		return ctx.Err()
	}
}

// WaitForWebhook blocks until a callback referencing entityID arrives, the webhook
// timeout expires (ErrWebhookTimeout) or ctx ends.
func (h *Handler) WaitForWebhook(ctx context.Context, entityID int64) error {
	return h.await(ctx, entityID, h.register(entityID))
}

// Pending reports how many waiters are registered for entityID.
func (h *Handler) Pending(entityID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[entityID])
}

// HandleWebhookEvent scans an inbound payload for entity ids. Only a reference to
// the tracked entity counts: its waiters are resolved and true is returned. Ids of
// other entities leave every waiter untouched.
func (h *Handler) HandleWebhookEvent(payload any) bool {
	tracked := h.tracked.Load()
	if tracked == 0 {
		return false
	}
	if _, ok := ExtractEntityIDs(payload, EntityType)[tracked]; !ok {
		return false
	}
	if n := h.settle(tracked, nil); n > 0 {
		h.log.Debug("dp webhook resolved waiters", zap.Int64("entity_id", tracked), zap.Int("waiters", n))
	}
	return true
}
