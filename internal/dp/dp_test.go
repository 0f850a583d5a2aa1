package dp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankityadav/crmpulse/internal/auth"
	"github.com/ankityadav/crmpulse/internal/crm"
	"github.com/ankityadav/crmpulse/internal/status"
)

func ids(xs ...int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestExtractEntityIDs(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		want    map[int64]struct{}
	}{
		{"nested under plural", decode(t, `{"leads":{"status":[{"id":"42","status_id":7}]}}`), ids(42)},
		{"singular key", decode(t, `{"lead":{"id":5}}`), ids(5)},
		{"lead_id anywhere", decode(t, `{"task":{"lead_id":9,"id":100}}`), ids(9)},
		{"entity pair", decode(t, `{"note":{"entity_type":"leads","entity_id":"13","id":2}}`), ids(13)},
		{"entity pair other type", decode(t, `{"entity_type":"contacts","entity_id":13}`), ids()},
		{"ids outside scope ignored", decode(t, `{"account":{"id":1},"contacts":[{"id":2}]}`), ids()},
		{"non numeric ignored", decode(t, `{"leads":[{"id":"abc"},{"id":1.5}]}`), ids()},
		{"form bracket keys", map[string]any{"leads[update][0][id]": "77", "account[id]": "1"}, ids(77)},
		{"url values", url.Values{"leads[status][0][id]": {"8"}, "leads[status][0][old_status_id]": {"3"}}, ids(8)},
		{"multiple", decode(t, `{"leads":{"add":[{"id":1}],"update":[{"id":2}]}}`), ids(1, 2)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractEntityIDs(tc.payload, "leads"))
		})
	}
}

func newHandler(timeout time.Duration) *Handler {
	return NewHandler(ProbeConfig{EntityID: 42, WebhookTimeout: timeout}, nil, nil)
}

func TestWebhookResolvesAllWaitersForKey(t *testing.T) {
	h := newHandler(time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.WaitForWebhook(context.Background(), 42)
		}()
	}
	require.Eventually(t, func() bool { return h.Pending(42) == 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, h.HandleWebhookEvent(decode(t, `{"leads":{"update":[{"id":42}]}}`)))
	wg.Wait()
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 0, h.Pending(42))
}

func TestUnrelatedWebhookIsIgnored(t *testing.T) {
	h := newHandler(time.Minute)
	w := h.register(42)
	defer h.remove(42, w)

	assert.False(t, h.HandleWebhookEvent(decode(t, `{"leads":{"update":[{"id":43}]}}`)))
	assert.False(t, h.HandleWebhookEvent(decode(t, `{"ping":true}`)))
	assert.Equal(t, 1, h.Pending(42))
}

func TestUntrackedEntityLeavesWaiterPending(t *testing.T) {
	h := newHandler(time.Minute)
	w := h.register(7)
	defer h.remove(7, w)

	assert.False(t, h.HandleWebhookEvent(decode(t, `{"leads":{"update":[{"id":7}]}}`)))
	assert.Equal(t, 1, h.Pending(7))
	select {
	case err := <-w.ch:
		t.Fatalf("waiter settled: %v", err)
	default:
	}
}

func TestNothingMatchesBeforeMarkerIsKnown(t *testing.T) {
	h := NewHandler(ProbeConfig{}, nil, nil)
	w := h.register(42)
	defer h.remove(42, w)

	assert.False(t, h.HandleWebhookEvent(decode(t, `{"lead_id":42}`)))
	assert.Equal(t, 1, h.Pending(42))
}

func TestTrackedEntityMatchesWithoutWaiters(t *testing.T) {
	h := NewHandler(ProbeConfig{EntityID: 42}, nil, nil)
	assert.True(t, h.HandleWebhookEvent(decode(t, `{"lead_id":"42"}`)))
}

func TestWaiterTimesOut(t *testing.T) {
	h := newHandler(20 * time.Millisecond)
	err := h.WaitForWebhook(context.Background(), 42)
	assert.ErrorIs(t, err, ErrWebhookTimeout)
	assert.Equal(t, 0, h.Pending(42))

	// A late callback finds nothing to settle.
	h.HandleWebhookEvent(decode(t, `{"lead_id":42}`))
	assert.Equal(t, 0, h.Pending(42))
}

func TestCancelledWaiterIsRemoved(t *testing.T) {
	h := newHandler(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.WaitForWebhook(ctx, 42), context.Canceled)
	assert.Equal(t, 0, h.Pending(42))
}

type passthrough struct{}

func (passthrough) Do(_ context.Context, fn func() error) error { return fn() }

type staticTokens struct{}

func (staticTokens) GetAccessToken(context.Context) (string, error) { return "t", nil }
func (staticTokens) RefreshToken(context.Context) (auth.TokenSet, error) {
	return auth.TokenSet{}, errors.New("not supported")
}

// fakeCRM answers lead search, create and patch, and posts the callback back to the
// handler when a patch arrives.
type fakeCRM struct {
	mu        sync.Mutex
	handler   *Handler
	existing  map[string]int64
	created   int
	patches   []map[string]any
	noWebhook bool
	patchCode int
}

func (f *fakeCRM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v4/leads":
		id, ok := f.existing[r.URL.Query().Get("query")]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"_embedded": map[string]any{
			"leads": []map[string]any{{"id": id, "name": r.URL.Query().Get("query")}},
		}})
	case r.Method == http.MethodPost && r.URL.Path == "/api/v4/leads":
		f.created++
		_ = json.NewEncoder(w).Encode(map[string]any{"_embedded": map[string]any{
			"leads": []map[string]any{{"id": 500}},
		}})
	case r.Method == http.MethodPatch:
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		f.patches = append(f.patches, body)
		if f.patchCode != 0 {
			w.WriteHeader(f.patchCode)
			return
		}
		if !f.noWebhook {
			id := r.URL.Path[len("/api/v4/leads/"):]
			go func() {
				time.Sleep(10 * time.Millisecond)
				f.handler.HandleWebhookEvent(url.Values{"leads[update][0][id]": {id}})
			}()
		}
		_, _ = w.Write([]byte(`{"id":1}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCRM) snapshot() (created int, patches []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, append([]map[string]any(nil), f.patches...)
}

func newProbe(t *testing.T, cfg ProbeConfig, fake *fakeCRM) *Handler {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client := crm.NewClient(srv.URL, 5*time.Second, passthrough{}, staticTokens{}, nil)
	h := NewHandler(cfg, client, nil)
	fake.handler = h
	return h
}

func TestProbeFindsMarkerAndMeasuresCallback(t *testing.T) {
	fake := &fakeCRM{existing: map[string]int64{"crmpulse marker": 42}}
	h := newProbe(t, ProbeConfig{MarkerName: "crmpulse marker", PipelineID: 1, FieldID: 9, WebhookTimeout: time.Second}, fake)

	sig := h.Run(context.Background())
	assert.Equal(t, status.CheckDigitalPipeline, sig.CheckType)
	assert.Empty(t, sig.ErrorMessage)
	assert.Equal(t, http.StatusOK, sig.HTTPStatus)
	assert.GreaterOrEqual(t, sig.ResponseTime, 10*time.Millisecond)
	assert.Equal(t, int64(42), h.TrackedEntity())

	created, patches := fake.snapshot()
	assert.Equal(t, 0, created)
	require.Len(t, patches, 1)
	assert.Contains(t, patches[0], "custom_fields_values")
}

func TestProbeCreatesMarkerOnce(t *testing.T) {
	fake := &fakeCRM{existing: map[string]int64{}}
	h := newProbe(t, ProbeConfig{MarkerName: "crmpulse marker", PipelineID: 1, StatusID: 2, WebhookTimeout: time.Second}, fake)

	h.Run(context.Background())
	h.Run(context.Background())
	assert.Equal(t, int64(500), h.TrackedEntity())

	created, patches := fake.snapshot()
	assert.Equal(t, 1, created)
	require.Len(t, patches, 2)
	assert.Contains(t, patches[0]["name"], "crmpulse marker ")
	assert.NotEqual(t, patches[0]["name"], patches[1]["name"])
}

func TestProbeWebhookTimeoutIsRuntimeError(t *testing.T) {
	fake := &fakeCRM{noWebhook: true}
	h := newProbe(t, ProbeConfig{EntityID: 42, WebhookTimeout: 30 * time.Millisecond}, fake)

	sig := h.Run(context.Background())
	assert.Equal(t, ErrWebhookTimeout.Error(), sig.ErrorMessage)
	assert.Equal(t, status.Evaluation{Status: status.Down, Reason: status.ReasonRuntimeError},
		status.EvaluateBase(sig, status.DefaultThresholds))
	assert.Equal(t, 0, h.Pending(42))
}

func TestProbeMutationFailureReleasesWaiter(t *testing.T) {
	fake := &fakeCRM{patchCode: http.StatusBadGateway}
	h := newProbe(t, ProbeConfig{EntityID: 42, WebhookTimeout: time.Second}, fake)

	sig := h.Run(context.Background())
	assert.Equal(t, http.StatusBadGateway, sig.HTTPStatus)
	assert.Empty(t, sig.ErrorMessage)
	assert.Equal(t, 0, h.Pending(42))
}

func TestUnconfiguredProbe(t *testing.T) {
	assert.False(t, ProbeConfig{}.Configured())
	assert.False(t, ProbeConfig{MarkerName: "m"}.Configured())
	assert.True(t, ProbeConfig{MarkerName: "m", PipelineID: 1}.Configured())
	assert.True(t, ProbeConfig{EntityID: 3}.Configured())
}
