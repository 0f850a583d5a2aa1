// Package auth owns the OAuth2 credential lifecycle of a single tenant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ankityadav/crmpulse/internal/metrics"
	"github.com/ankityadav/crmpulse/internal/storage"
)

// ExpiryMargin treats a token set as expired this long before its real expiry.
const ExpiryMargin = 5 * time.Minute

// fallbackLifetime is used when the token endpoint omits expires_in.
const fallbackLifetime = time.Hour

var ErrNoTokens = errors.New("no oauth tokens available")

type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the set is expired or within ExpiryMargin of expiring.
func (t TokenSet) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt.Add(-ExpiryMargin))
}

// TokenStore persists token sets across restarts.
type TokenStore interface {
	LoadTokens(ctx context.Context, tenant string) (*storage.TokenRecord, error)
	SaveTokens(ctx context.Context, rec *storage.TokenRecord) error
}

type Options struct {
	Tenant       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	TokenURL     string
	// Initial bootstraps the manager when storage holds nothing.
	Initial *TokenSet
	Store   TokenStore
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Manager owns the one live TokenSet of a tenant and replaces it atomically on refresh.
type Manager struct {
	tenant  string
	oauth   *oauth2.Config
	store   TokenStore
	initial *TokenSet
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	tokens *TokenSet

	group singleflight.Group
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tenant: opts.Tenant,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Endpoint: oauth2.Endpoint{
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:   opts.Store,
		initial: opts.Initial,
		log:     log.With(zap.String("component", "tokens")),
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Current returns a copy of the cached set, or nil.
func (m *Manager) Current() *TokenSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tokens == nil {
		return nil
	}
	cp := *m.tokens
	return &cp
}

// GetAccessToken returns a usable access token: cached, else stored, else the
// bootstrap credentials. An expired set is refreshed synchronously first.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	tokens, err := m.ensureLoaded(ctx)
	if err != nil {
		return "", err
	}
	if !tokens.Expired(m.now()) {
		return tokens.AccessToken, nil
	}
	fresh, err := m.RefreshToken(ctx)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (m *Manager) ensureLoaded(ctx context.Context) (TokenSet, error) {
	if cur := m.Current(); cur != nil {
		return *cur, nil
	}

	if m.store != nil {
		rec, err := m.store.LoadTokens(ctx, m.tenant)
		if err != nil {
			return TokenSet{}, fmt.Errorf("load tokens: %w", err)
		}
		if rec != nil {
			set := TokenSet{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken, ExpiresAt: rec.ExpiresAt}
			m.setTokens(set)
			return set, nil
		}
	}

	if m.initial != nil && (m.initial.AccessToken != "" || m.initial.RefreshToken != "") {
		set := *m.initial
		m.setTokens(set)
		if m.store != nil {
			if err := m.persist(ctx, set); err != nil {
				m.log.Warn("failed to persist bootstrap tokens", zap.Error(err))
			}
		}
		return set, nil
	}

	return TokenSet{}, ErrNoTokens
}

// RefreshToken runs the refresh-token grant and atomically replaces the cached set.
// Concurrent callers share a single grant. Errors are returned unmodified.
func (m *Manager) RefreshToken(ctx context.Context) (TokenSet, error) {
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return TokenSet{}, err
	}
	return v.(TokenSet), nil
}

func (m *Manager) refresh(ctx context.Context) (TokenSet, error) {
	current, err := m.ensureLoaded(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	if current.RefreshToken == "" {
		return TokenSet{}, ErrNoTokens
	}

	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	m.metrics.TokenRefresh(m.tenant, err)
	if err != nil {
		return TokenSet{}, err
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(fallbackLifetime)
	}
	fresh := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
	}

	m.setTokens(fresh)
	if m.store != nil {
		if err := m.persist(ctx, fresh); err != nil {
			return TokenSet{}, err
		}
	}

	m.log.Info("access token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

func (m *Manager) setTokens(set TokenSet) {
	m.mu.Lock()
	m.tokens = &set
	m.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, set TokenSet) error {
	return m.store.SaveTokens(ctx, &storage.TokenRecord{
		Tenant:       m.tenant,
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		ExpiresAt:    set.ExpiresAt,
	})
}

// RunRefreshLoop proactively refreshes expiring tokens every interval until ctx ends.
// Failures are logged; the loop keeps running.
func (m *Manager) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshIfExpiring(ctx)
		}
	}
}

func (m *Manager) refreshIfExpiring(ctx context.Context) {
	tokens, err := m.ensureLoaded(ctx)
	if err != nil {
		m.log.Warn("token check failed", zap.Error(err))
		return
	}
	if !tokens.Expired(m.now()) {
		return
	}
	if _, err := m.RefreshToken(ctx); err != nil {
		m.log.Warn("proactive token refresh failed", zap.Error(err))
	}
}
