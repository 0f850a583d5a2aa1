// Package monitor runs the per-tenant check cycle and owns incident and
// notification side effects of status changes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ankityadav/crmpulse/internal/auth"
	"github.com/ankityadav/crmpulse/internal/config"
	"github.com/ankityadav/crmpulse/internal/crm"
	"github.com/ankityadav/crmpulse/internal/dp"
	"github.com/ankityadav/crmpulse/internal/metrics"
	"github.com/ankityadav/crmpulse/internal/notifier"
	"github.com/ankityadav/crmpulse/internal/ratelimit"
	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
)

var (
	ErrUnknownTenant  = errors.New("unknown tenant")
	ErrAlreadyStarted = errors.New("monitor already started")
)

// Store is the persistence the monitor needs.
type Store interface {
	auth.TokenStore
	InsertHealthCheck(ctx context.Context, hc *storage.HealthCheck) error
	InsertIncident(ctx context.Context, i *storage.Incident) error
	GetOpenIncident(ctx context.Context, tenant, checkType string) (*storage.Incident, error)
	UpdateIncidentEndTime(ctx context.Context, id uint, end time.Time) error
	GetAllOpenIncidents(ctx context.Context, tenant string) ([]storage.Incident, error)
}

// StatusRecord is the current state of one check type.
type StatusRecord struct {
	Status         status.Status `json:"status"`
	Reason         status.Reason `json:"reason"`
	Since          time.Time     `json:"since"`
	LastCheck      time.Time     `json:"last_check"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	HTTPStatus     int           `json:"http_status,omitempty"`
	ResponseTimeMs int64         `json:"response_time_ms"`
}

// Listener receives every status update. Listeners run on the check goroutine and
// must not block.
type Listener func(checkType string, rec StatusRecord, tenant string)

type Options struct {
	Tenant config.Tenant

	CheckInterval        time.Duration
	DPInterval           time.Duration
	DPWebhookTimeout     time.Duration
	DPWorkerTimeout      time.Duration
	RequestTimeout       time.Duration
	TokenRefreshInterval time.Duration
	OrphanSweepDelay     time.Duration
	NotificationDebounce time.Duration
	RateLimit            int
	Escalation           status.EscalationConfig
	Thresholds           map[string]status.Thresholds

	Store    Store
	Notifier notifier.Notifier
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type notifyKind string

const (
	kindDown            notifyKind = "down"
	kindUp              notifyKind = "up"
	kindWarning         notifyKind = "warning"
	kindWarningResolved notifyKind = "warning_resolved"
)

type notifyKey struct {
	checkType string
	kind      notifyKind
}

// Monitor probes one tenant. It composes the tenant's own limiter, token manager,
// status manager and digital pipeline handler; nothing is shared across tenants.
type Monitor struct {
	opts     Options
	tenant   config.Tenant
	log      *zap.Logger
	store    Store
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	limiter *ratelimit.Limiter
	tokens  *auth.Manager
	client  *crm.Client
	status  *status.Manager
	dp      *dp.Handler

	mu            sync.RWMutex
	records       map[string]StatusRecord
	lastCheck     time.Time
	lastNotified  map[notifyKey]time.Time
	warningActive map[string]bool
	listeners     []Listener

	started   atomic.Bool
	dpRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options) (*Monitor, error) {
	if opts.Tenant.ID == "" {
		return nil, errors.New("monitor: tenant id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	opts = withDefaults(opts)

	log := opts.Logger.With(zap.String("tenant", opts.Tenant.ID))
	m := &Monitor{
		opts:          opts,
		tenant:        opts.Tenant,
		log:           log,
		store:         opts.Store,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		now:           time.Now,
		limiter:       ratelimit.New(opts.RateLimit),
		status:        status.NewManager(opts.Escalation, opts.Thresholds),
		records:       make(map[string]StatusRecord),
		lastNotified:  make(map[notifyKey]time.Time),
		warningActive: make(map[string]bool),
	}

	creds := opts.Tenant.Credentials
	var initial *auth.TokenSet
	if creds.AccessToken != "" || creds.RefreshToken != "" {
		initial = &auth.TokenSet{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ExpiresAt:    creds.ExpiresAt,
		}
	}
	m.tokens = auth.NewManager(auth.Options{
		Tenant:       opts.Tenant.ID,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURI:  creds.RedirectURI,
		TokenURL:     opts.Tenant.TokenURL(),
		Initial:      initial,
		Store:        opts.Store,
		Logger:       log,
		Metrics:      opts.Metrics,
	})
	m.client = crm.NewClient(opts.Tenant.APIBaseURL(), opts.RequestTimeout, m.limiter, m.tokens, log)

	probes := opts.Tenant.Probes
	m.dp = dp.NewHandler(dp.ProbeConfig{
		EntityID:       probes.DPEntityID,
		PipelineID:     probes.DPPipelineID,
		StatusID:       probes.DPStatusID,
		FieldID:        probes.DPFieldID,
		MarkerName:     opts.Tenant.MarkerName(),
		WebhookTimeout: opts.DPWebhookTimeout,
	}, m.client, log)

	return m, nil
}

func withDefaults(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notifier.NewLog(opts.Logger)
	}
	set := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&opts.CheckInterval, config.DefaultCheckInterval)
	set(&opts.DPInterval, config.DefaultDPInterval)
	set(&opts.DPWebhookTimeout, config.DefaultDPWebhookTimeout)
	set(&opts.DPWorkerTimeout, config.DefaultDPWorkerTimeout)
	set(&opts.RequestTimeout, config.DefaultRequestTimeout)
	set(&opts.TokenRefreshInterval, config.DefaultTokenRefreshInterval)
	set(&opts.OrphanSweepDelay, config.DefaultOrphanSweepDelay)
	set(&opts.NotificationDebounce, config.DefaultNotificationDebounce)
	return opts
}

// SetClock replaces the time source used for records, debounce and escalation.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
	m.status.SetClock(now)
}

func (m *Monitor) Tenant() config.Tenant {
	return m.tenant
}

// Start loads credentials, then launches the token refresh loop, the check cycle
// (first run immediately), the digital pipeline loop and the one-shot orphan sweep.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if _, err := m.tokens.GetAccessToken(ctx); err != nil {
		m.started.Store(false)
		return fmt.Errorf("tenant %s: load tokens: %w", m.tenant.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.tokens.RunRefreshLoop(runCtx, m.opts.TokenRefreshInterval)
	}()
	go m.runLoop(runCtx)
	go m.runDPLoop(runCtx)

	m.log.Info("monitor started",
		zap.Duration("interval", m.opts.CheckInterval),
		zap.Duration("dp_interval", m.opts.DPInterval))
	return nil
}

// Stop cancels every loop and waits for in-flight cycles to return.
func (m *Monitor) Stop() {
	if !m.started.Load() || m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.log.Info("monitor stopped")
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer m.wg.Done()

	m.cycle(ctx)

	sweep := time.NewTimer(m.opts.OrphanSweepDelay)
	defer sweep.Stop()
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cycle(ctx)
		case <-sweep.C:
			if err := m.SweepOrphanedIncidents(ctx); err != nil {
				m.log.Warn("orphan incident sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	// Per-check errors are already logged by runCheck.
	_ = m.RunAllChecks(ctx)
	m.metrics.SetQueueDepth(m.tenant.ID, m.limiter.QueueDepth())
}

func (m *Monitor) runDPLoop(ctx context.Context) {
	defer m.wg.Done()

	m.RunDPCycle(ctx)

	ticker := time.NewTicker(m.opts.DPInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunDPCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunAllChecks probes the read API, write API, web front end and webhook listing
// concurrently. One failing probe never blocks the others; the first storage or
// transition error is returned after all have finished.
func (m *Monitor) RunAllChecks(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range m.checks() {
		g.Go(func() error {
			return m.runCheck(ctx, c.checkType, c.probe)
		})
	}
	return g.Wait()
}

// RunDPCycle runs one digital pipeline probe unless one is already running. The whole
// probe is bounded by the worker timeout; exceeding it records a DOWN check.
func (m *Monitor) RunDPCycle(ctx context.Context) bool {
	if !m.dpRunning.CompareAndSwap(false, true) {
		m.log.Debug("dp probe still running, skipping cycle")
		return false
	}
	defer m.dpRunning.Store(false)

	err := m.runCheck(ctx, status.CheckDigitalPipeline, m.probeDigitalPipeline)
	return err == nil
}

func (m *Monitor) runCheck(ctx context.Context, checkType string, probe probeFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s probe panicked: %v", checkType, r)
			m.log.Error("probe panicked", zap.String("check_type", checkType), zap.Any("panic", r))
		}
	}()

	out := probe(ctx)
	if ctx.Err() != nil && out.sig.ErrorMessage != "" {
		// Shutting down; the failure is ours, not the CRM's.
		return nil
	}
	if !out.configured {
		m.updateStatus(checkType, status.Evaluation{Status: status.Unknown, Reason: status.ReasonNotConfigured}, out.sig)
		return nil
	}

	eval := m.status.Evaluate(out.sig)
	m.metrics.ObserveCheck(m.tenant.ID, checkType, out.sig.ResponseTime)

	if err := m.persist(ctx, out, eval); err != nil {
		m.log.Error("failed to persist health check", zap.String("check_type", checkType), zap.Error(err))
		return fmt.Errorf("persist %s: %w", checkType, err)
	}

	prev := m.updateStatus(checkType, eval, out.sig)
	if err := m.applyTransition(ctx, checkType, prev, eval, out.sig); err != nil {
		m.log.Error("incident transition failed", zap.String("check_type", checkType), zap.Error(err))
		return fmt.Errorf("transition %s: %w", checkType, err)
	}
	return nil
}

func (m *Monitor) persist(ctx context.Context, out outcome, eval status.Evaluation) error {
	hc := &storage.HealthCheck{
		Tenant:       m.tenant.ID,
		CheckType:    out.sig.CheckType,
		CheckedAt:    out.sig.Timestamp,
		Status:       string(eval.Status),
		HTTPStatus:   out.sig.HTTPStatus,
		ErrorMessage: out.sig.ErrorMessage,
	}
	hc.ResponseTime.SetValid(out.sig.ResponseTime.Milliseconds())
	if eval.Status != status.Up {
		hc.ErrorCode = string(eval.Reason)
		hc.ErrorPayload = out.payload
	}
	if hc.CheckedAt.IsZero() {
		hc.CheckedAt = m.now()
	}
	return m.store.InsertHealthCheck(ctx, hc)
}

// updateStatus is the only writer of status records. Since survives consecutive
// identical states. It returns the previous status.
func (m *Monitor) updateStatus(checkType string, eval status.Evaluation, sig status.Signal) status.Status {
	now := m.now()
	rec := StatusRecord{
		Status:         eval.Status,
		Reason:         eval.Reason,
		Since:          now,
		LastCheck:      now,
		ErrorMessage:   sig.ErrorMessage,
		HTTPStatus:     sig.HTTPStatus,
		ResponseTimeMs: sig.ResponseTime.Milliseconds(),
	}

	m.mu.Lock()
	prev, ok := m.records[checkType]
	if ok && prev.Status == rec.Status {
		rec.Since = prev.Since
	}
	m.records[checkType] = rec
	m.lastCheck = now
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.metrics.SetStatus(m.tenant.ID, checkType, rec.Status.Level())

	for _, l := range listeners {
		m.callListener(l, checkType, rec)
	}

	if !ok {
		return status.Unknown
	}
	return prev.Status
}

func (m *Monitor) callListener(l Listener, checkType string, rec StatusRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("status listener panicked", zap.String("check_type", checkType), zap.Any("panic", r))
		}
	}()
	l(checkType, rec, m.tenant.ID)
}

func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// GetStatus returns a copy of every known status record.
func (m *Monitor) GetStatus() map[string]StatusRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]StatusRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

func (m *Monitor) GetLastCheckTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// IsHealthy reports whether any check ran within twice the check interval.
func (m *Monitor) IsHealthy() bool {
	last := m.GetLastCheckTime()
	if last.IsZero() {
		return false
	}
	return m.now().Sub(last) <= 2*m.opts.CheckInterval
}

// HandleWebhookEvent forwards an inbound callback to the digital pipeline handler.
func (m *Monitor) HandleWebhookEvent(payload any) bool {
	return m.dp.HandleWebhookEvent(payload)
}

// SweepOrphanedIncidents closes incidents left open by a previous run when their
// check type now reports UP.
func (m *Monitor) SweepOrphanedIncidents(ctx context.Context) error {
	open, err := m.store.GetAllOpenIncidents(ctx, m.tenant.ID)
	if err != nil {
		return fmt.Errorf("load open incidents: %w", err)
	}

	current := m.GetStatus()
	for _, inc := range open {
		if current[inc.CheckType].Status != status.Up {
			continue
		}
		if err := m.store.UpdateIncidentEndTime(ctx, inc.ID, m.now()); err != nil {
			return fmt.Errorf("close incident %d: %w", inc.ID, err)
		}
		m.log.Info("closed orphaned incident", zap.Uint("incident_id", inc.ID), zap.String("check_type", inc.CheckType))
	}
	return nil
}
