// Package crm is the bearer-authenticated HTTP client for the monitored CRM.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/auth"
)

const (
	userAgent    = "crmpulse/1.0"
	maxBodyBytes = 1 << 20
)

// Dispatcher schedules a call; ratelimit.Limiter satisfies it.
type Dispatcher interface {
	Do(ctx context.Context, fn func() error) error
}

// TokenSource is the slice of auth.Manager the client needs.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (auth.TokenSet, error)
}

type Request struct {
	Method string
	// Path is joined to the base URL unless it is already absolute.
	Path  string
	Query url.Values
	Body  any
	// Auth attaches the tenant bearer token.
	Auth bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    Dispatcher
	tokens     TokenSource
	log        *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, limiter Dispatcher, tokens TokenSource, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		tokens:     tokens,
		log:        log,
	}
}

// Do dispatches req through the limiter. A 401 on the first attempt of a request that
// carried a bearer token triggers one synchronous refresh and exactly one retry; a
// second 401 is returned to the caller like any other response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		hreq, err := c.build(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, hreq)
		if err != nil {
			return nil, err
		}
		resp.Attempts = attempt + 1

		if resp.StatusCode == http.StatusUnauthorized && hreq.Header.Get("Authorization") != "" && attempt == 0 {
			c.log.Info("401 from CRM, refreshing token", zap.String("path", req.Path))
			if _, err := c.tokens.RefreshToken(ctx); err != nil {
				c.log.Warn("token refresh after 401 failed", zap.Error(err))
				resp.Duration = time.Since(start)
				return resp, nil
			}
			continue
		}

		resp.Duration = time.Since(start)
		return resp, nil
	}
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("User-Agent", userAgent)
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	if req.Auth {
		token, err := c.tokens.GetAccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		hreq.Header.Set("Authorization", "Bearer "+token)
	}
	return hreq, nil
}

func (c *Client) send(ctx context.Context, hreq *http.Request) (*Response, error) {
	var out *Response
	err := c.limiter.Do(ctx, func() error {
		resp, err := c.httpClient.Do(hreq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		out = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
