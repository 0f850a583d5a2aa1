package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankityadav/crmpulse/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]storage.TokenRecord
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]storage.TokenRecord{}}
}

func (s *memStore) LoadTokens(_ context.Context, tenant string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[tenant]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) SaveTokens(_ context.Context, rec *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Tenant] = *rec
	return nil
}

type tokenServer struct {
	*httptest.Server
	calls  atomic.Int32
	status int
	lastRT atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		ts.lastRT.Store(r.PostForm.Get("refresh_token"))
		if ts.status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ts.status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    86400,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newManager(ts *tokenServer, store TokenStore, initial *TokenSet) *Manager {
	return NewManager(Options{
		Tenant:       "acme",
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "https://example.com/cb",
		TokenURL:     ts.URL,
		Initial:      initial,
		Store:        store,
	})
}

func TestExpiredTokenTriggersExactlyOneRefresh(t *testing.T) {
	ts := newTokenServer(t)
	store := newMemStore()
	m := newManager(ts, store, &TokenSet{
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
	assert.Equal(t, "rt-1", ts.lastRT.Load())

	// The refreshed set is cached and persisted.
	tok, err = m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, int32(1), ts.calls.Load())

	rec, err := store.LoadTokens(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fresh-refresh", rec.RefreshToken)
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(23*time.Hour)))
}

func TestTokenWithinMarginCountsAsExpired(t *testing.T) {
	set := TokenSet{ExpiresAt: time.Now().Add(4 * time.Minute)}
	assert.True(t, set.Expired(time.Now()))
	set.ExpiresAt = time.Now().Add(10 * time.Minute)
	assert.False(t, set.Expired(time.Now()))
}

func TestValidTokenIsUsedWithoutRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m := newManager(ts, nil, &TokenSet{
		AccessToken:  "good",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good", tok)
	assert.Equal(t, int32(0), ts.calls.Load())
}

func TestStoredTokensWinOverBootstrap(t *testing.T) {
	ts := newTokenServer(t)
	store := newMemStore()
	require.NoError(t, store.SaveTokens(context.Background(), &storage.TokenRecord{
		Tenant: "acme", AccessToken: "stored", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	}))
	m := newManager(ts, store, &TokenSet{AccessToken: "bootstrap", RefreshToken: "rt0", ExpiresAt: time.Now().Add(time.Hour)})

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored", tok)
}

func TestNoTokens(t *testing.T) {
	ts := newTokenServer(t)
	m := newManager(ts, newMemStore(), nil)

	_, err := m.GetAccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNoTokens)
}

func TestRefreshFailurePropagates(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	m := newManager(ts, nil, &TokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Hour)})

	_, err := m.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
	// The stale set stays in place.
	assert.Equal(t, "a", m.Current().AccessToken)
}

func TestConcurrentRefreshesShareOneGrant(t *testing.T) {
	ts := newTokenServer(t)
	m := newManager(ts, nil, &TokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Hour)})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.GetAccessToken(context.Background())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, ts.calls.Load(), int32(5))
	assert.Equal(t, "fresh-access", m.Current().AccessToken)
}

func TestRefreshLoopRefreshesExpiringTokens(t *testing.T) {
	ts := newTokenServer(t)
	m := newManager(ts, nil, &TokenSet{AccessToken: "a", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunRefreshLoop(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		cur := m.Current()
		return cur != nil && cur.AccessToken == "fresh-access"
	}, 2*time.Second, 10*time.Millisecond)
}
