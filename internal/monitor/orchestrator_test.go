package monitor

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankityadav/crmpulse/internal/config"
	"github.com/ankityadav/crmpulse/internal/notifier"
	"github.com/ankityadav/crmpulse/internal/status"
)

func newTestOrchestrator(t *testing.T, tenants ...config.Tenant) (*Orchestrator, *fakeStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Tenants = tenants
	cfg.RateLimit = 100
	store := newFakeStore()
	factory := NewFactory(cfg, store, func(config.Tenant) (notifier.Notifier, error) {
		return &fakeNotifier{}, nil
	}, nil, nil)
	return NewOrchestrator(cfg.Registry(), factory, nil, nil), store
}

func TestOrchestratorUnknownTenant(t *testing.T) {
	o, _ := newTestOrchestrator(t, testTenant("http://crm.invalid"))

	_, err := o.GetStatus("nobody")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	_, err = o.HandleWebhookEvent(map[string]any{}, "nobody")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestOrchestratorBuildsMonitorsLazilyOnce(t *testing.T) {
	o, _ := newTestOrchestrator(t, testTenant("http://crm.invalid"))

	a, err := o.Monitor("acme")
	require.NoError(t, err)
	b, err := o.Monitor("acme")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"acme"}, o.Tenants())
}

func TestOrchestratorRebroadcastsStatusChanges(t *testing.T) {
	o, _ := newTestOrchestrator(t, testTenant("http://crm.invalid"))

	var mu sync.Mutex
	var events []string
	o.AddListener(func(checkType string, rec StatusRecord, tenant string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, tenant+"/"+checkType+"/"+string(rec.Status))
	})

	m, err := o.Monitor("acme")
	require.NoError(t, err)
	require.NoError(t, m.runCheck(context.Background(), status.CheckWeb,
		fixed(status.Signal{CheckType: status.CheckWeb, HTTPStatus: 200})))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"acme/web/up"}, events)
}

func TestOrchestratorStartSkipsFailingTenant(t *testing.T) {
	srv := newCRMServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	good := testTenant(srv.URL)
	broken := config.Tenant{ID: "broken", Domain: "broken.example.com", BaseURL: srv.URL}

	o, _ := newTestOrchestrator(t, good, broken)
	started := o.Start(context.Background())
	defer o.Stop()

	assert.Equal(t, 1, started)
	require.Eventually(t, func() bool {
		st, err := o.GetStatus("acme")
		return err == nil && st[status.CheckAPIRead].Status == status.Up
	}, 5*time.Second, 10*time.Millisecond)

	healthy, err := o.IsHealthy("acme")
	require.NoError(t, err)
	assert.True(t, healthy)

	healthy, err = o.IsHealthy("broken")
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestMonitorStartTwiceFails(t *testing.T) {
	srv := newCRMServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	m, _, _, _ := newTestMonitor(t, testTenant(srv.URL), nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestDPProbeResolvedThroughWebhookRouting(t *testing.T) {
	var o *Orchestrator
	srv := newCRMServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/api/v4/leads/") {
			id := strings.TrimPrefix(r.URL.Path, "/api/v4/leads/")
			go func() {
				time.Sleep(20 * time.Millisecond)
				_, _ = o.HandleWebhookEvent(url.Values{"leads[status][0][id]": {id}}, "acme")
			}()
		}
		_, _ = w.Write([]byte(`{}`))
	})

	tenant := testTenant(srv.URL)
	tenant.Probes.DPEntityID = 42
	o, store := newTestOrchestrator(t, tenant)

	m, err := o.Monitor("acme")
	require.NoError(t, err)
	require.True(t, m.RunDPCycle(context.Background()))

	rec := m.GetStatus()[status.CheckDigitalPipeline]
	assert.Equal(t, status.Up, rec.Status)
	assert.GreaterOrEqual(t, rec.ResponseTimeMs, int64(20))
	assert.Equal(t, 1, store.checkTypes()[status.CheckDigitalPipeline])

	matched, err := o.HandleWebhookEvent(map[string]any{"lead_id": 7}, "acme")
	require.NoError(t, err)
	assert.False(t, matched)
}
