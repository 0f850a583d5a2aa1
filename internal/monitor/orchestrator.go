package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/config"
	"github.com/ankityadav/crmpulse/internal/metrics"
	"github.com/ankityadav/crmpulse/internal/notifier"
	"github.com/ankityadav/crmpulse/internal/status"
)

// Registry is the source of tenant configuration.
type Registry interface {
	Tenants() []config.Tenant
	Tenant(id string) (config.Tenant, bool)
}

// Factory builds the Monitor of one tenant.
type Factory func(t config.Tenant) (*Monitor, error)

// NewFactory builds monitors from the global configuration. notifiers picks the
// sinks of each tenant.
func NewFactory(cfg *config.Config, store Store, notifiers func(config.Tenant) (notifier.Notifier, error),
	log *zap.Logger, m *metrics.Metrics) Factory {
	return func(t config.Tenant) (*Monitor, error) {
		n, err := notifiers(t)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		return New(OptionsFromConfig(cfg, t, store, n, log, m))
	}
}

// OptionsFromConfig maps global and tenant configuration onto monitor options.
func OptionsFromConfig(cfg *config.Config, t config.Tenant, store Store, n notifier.Notifier,
	log *zap.Logger, m *metrics.Metrics) Options {
	thresholds := make(map[string]status.Thresholds, len(status.AllChecks))
	for _, checkType := range status.AllChecks {
		th := cfg.ThresholdsFor(t, checkType)
		thresholds[checkType] = status.Thresholds{
			Warning: time.Duration(th.WarningMs) * time.Millisecond,
			Down:    time.Duration(th.DownMs) * time.Millisecond,
		}
	}
	return Options{
		Tenant:               t,
		CheckInterval:        cfg.CheckInterval,
		DPInterval:           cfg.DPInterval,
		DPWebhookTimeout:     cfg.DPWebhookTimeout,
		DPWorkerTimeout:      cfg.DPWorkerTimeout,
		RequestTimeout:       cfg.RequestTimeout,
		TokenRefreshInterval: cfg.TokenRefreshInterval,
		OrphanSweepDelay:     cfg.OrphanSweepDelay,
		NotificationDebounce: cfg.NotificationDebounce,
		RateLimit:            cfg.RateLimit,
		Escalation: status.EscalationConfig{
			WarningWindow:     cfg.Escalation.WarningWindow,
			WarningThreshold:  cfg.Escalation.WarningThreshold,
			RecoveryThreshold: cfg.Escalation.RecoveryThreshold,
		},
		Thresholds: thresholds,
		Store:      store,
		Notifier:   n,
		Logger:     log,
		Metrics:    m,
	}
}

// Orchestrator owns one Monitor per tenant, built lazily on first use.
type Orchestrator struct {
	registry Registry
	factory  Factory
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	monitors  map[string]*Monitor
	listeners []Listener
}

func NewOrchestrator(registry Registry, factory Factory, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		factory:  factory,
		log:      log.With(zap.String("component", "orchestrator")),
		metrics:  m,
		monitors: make(map[string]*Monitor),
	}
}

// Monitor returns the tenant's monitor, building it on first access.
func (o *Orchestrator) Monitor(tenant string) (*Monitor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m, ok := o.monitors[tenant]; ok {
		return m, nil
	}
	t, ok := o.registry.Tenant(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	m, err := o.factory(t)
	if err != nil {
		return nil, err
	}
	m.AddListener(o.broadcast)
	o.monitors[tenant] = m
	return m, nil
}

// Tenants returns the configured tenant ids, sorted.
func (o *Orchestrator) Tenants() []string {
	tenants := o.registry.Tenants()
	ids := make([]string, 0, len(tenants))
	for _, t := range tenants {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// Start starts every configured tenant. A tenant that fails to start is logged and
// skipped; the returned count is the number of running monitors.
func (o *Orchestrator) Start(ctx context.Context) int {
	started := 0
	for _, id := range o.Tenants() {
		m, err := o.Monitor(id)
		if err != nil {
			o.log.Error("failed to build monitor", zap.String("tenant", id), zap.Error(err))
			continue
		}
		if err := m.Start(ctx); err != nil {
			o.log.Error("failed to start monitor", zap.String("tenant", id), zap.Error(err))
			continue
		}
		started++
	}
	o.log.Info("orchestrator started", zap.Int("tenants", started))
	return started
}

// Stop stops all monitors concurrently and waits for them.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	monitors := make([]*Monitor, 0, len(o.monitors))
	for _, m := range o.monitors {
		monitors = append(monitors, m)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop()
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) GetStatus(tenant string) (map[string]StatusRecord, error) {
	m, err := o.Monitor(tenant)
	if err != nil {
		return nil, err
	}
	return m.GetStatus(), nil
}

func (o *Orchestrator) GetLastCheckTime(tenant string) (time.Time, error) {
	m, err := o.Monitor(tenant)
	if err != nil {
		return time.Time{}, err
	}
	return m.GetLastCheckTime(), nil
}

func (o *Orchestrator) IsHealthy(tenant string) (bool, error) {
	m, err := o.Monitor(tenant)
	if err != nil {
		return false, err
	}
	return m.IsHealthy(), nil
}

// AddListener subscribes to status updates of every tenant.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) broadcast(checkType string, rec StatusRecord, tenant string) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("listener panicked", zap.String("tenant", tenant), zap.Any("panic", r))
				}
			}()
			l(checkType, rec, tenant)
		}()
	}
}

// HandleWebhookEvent routes an inbound callback to the tenant's digital pipeline
// handler and reports whether it matched a tracked entity.
func (o *Orchestrator) HandleWebhookEvent(payload any, tenant string) (bool, error) {
	m, err := o.Monitor(tenant)
	if err != nil {
		return false, err
	}
	matched := m.HandleWebhookEvent(payload)
	o.metrics.Webhook(tenant, matched)
	if matched {
		o.log.Debug("webhook matched dp probe", zap.String("tenant", tenant))
	}
	return matched, nil
}
