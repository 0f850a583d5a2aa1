package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankityadav/crmpulse/internal/auth"
	"github.com/ankityadav/crmpulse/internal/ratelimit"
)

type fakeTokens struct {
	mu         sync.Mutex
	token      string
	refreshes  int
	refreshErr error
}

func (f *fakeTokens) GetAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) RefreshToken(context.Context) (auth.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return auth.TokenSet{}, f.refreshErr
	}
	f.token = "new-token"
	return auth.TokenSet{AccessToken: f.token}, nil
}

func newClient(url string, tokens TokenSource) *Client {
	return NewClient(url, 5*time.Second, ratelimit.New(100), tokens, nil)
}

func TestRetriesOnceAfter401WithRefreshedToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "old-token"}
	resp, err := newClient(srv.URL, tokens).Do(context.Background(), Request{Path: "/api/v4/account", Auth: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, int32(2), calls.Load())

	var body struct{ ID int }
	require.NoError(t, resp.DecodeJSON(&body))
	assert.Equal(t, 1, body.ID)
}

func TestSecond401IsSurfaced(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "old-token"}
	resp, err := newClient(srv.URL, tokens).Do(context.Background(), Request{Path: "/api/v4/account", Auth: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnauthenticated401IsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "t"}
	resp, err := newClient(srv.URL, tokens).Do(context.Background(), Request{Path: srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, tokens.refreshes)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshFailureReturnsOriginal401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "t", refreshErr: errors.New("invalid_grant")}
	resp, err := newClient(srv.URL, tokens).Do(context.Background(), Request{Path: "/x", Auth: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
}

func TestTransportErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(url, &fakeTokens{}).Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
}

func TestJSONBodyAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "probe", r.URL.Query().Get("query"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL, &fakeTokens{token: "t"}).Do(context.Background(), Request{
		Method: http.MethodPatch,
		Path:   "leads/1",
		Query:  map[string][]string{"query": {"probe"}},
		Body:   map[string]int{"id": 1},
		Auth:   true,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
}
