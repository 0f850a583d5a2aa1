// Package server exposes webhook ingress, status queries, metrics and the live
// event stream over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/ankityadav/crmpulse/internal/hub"
	"github.com/ankityadav/crmpulse/internal/monitor"
	"github.com/ankityadav/crmpulse/internal/storage"
)

const maxWebhookBytes = 1 << 20

// Engine is the orchestrator surface the handlers use.
type Engine interface {
	Tenants() []string
	GetStatus(tenant string) (map[string]monitor.StatusRecord, error)
	GetLastCheckTime(tenant string) (time.Time, error)
	IsHealthy(tenant string) (bool, error)
	HandleWebhookEvent(payload any, tenant string) (bool, error)
}

// Aggregates is the rollup surface the handlers use.
type Aggregates interface {
	Range(opts aggregate.Options) (time.Time, time.Time, error)
	EnsureAggregates(ctx context.Context, opts aggregate.Options) (int, error)
	Query(ctx context.Context, q storage.AggregateQuery) ([]storage.Aggregate, error)
}

type Options struct {
	Engine         Engine
	Aggregates     Aggregates
	Hub            *hub.Hub
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	engine   Engine
	agg      Aggregates
	hub      *hub.Hub
	gatherer prometheus.Gatherer
	origins  []string
	log      *zap.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		engine:   opts.Engine,
		agg:      opts.Aggregates,
		hub:      opts.Hub,
		gatherer: gatherer,
		origins:  opts.AllowedOrigins,
		log:      log.With(zap.String("component", "http")),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Post("/webhooks/{tenant}", s.webhook)
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/aggregates", s.aggregates)
	})
	if s.hub != nil {
		r.Get("/events", s.hub.HandleConnect)
	}
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	tenants := map[string]bool{}
	healthy := true
	for _, id := range s.engine.Tenants() {
		ok, err := s.engine.IsHealthy(id)
		if err != nil {
			ok = false
		}
		tenants[id] = ok
		healthy = healthy && ok
	}

	code, label := http.StatusOK, "ok"
	if !healthy {
		code, label = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{"status": label, "tenants": tenants})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	checks, err := s.engine.GetStatus(tenant)
	if err != nil {
		s.tenantError(w, err)
		return
	}
	last, _ := s.engine.GetLastCheckTime(tenant)
	healthy, _ := s.engine.IsHealthy(tenant)

	resp := map[string]any{
		"tenant":  tenant,
		"healthy": healthy,
		"checks":  checks,
	}
	if !last.IsZero() {
		resp["last_check"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	payload, err := decodePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	matched, err := s.engine.HandleWebhookEvent(payload, tenant)
	if err != nil {
		s.tenantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (s *Server) tenantError(w http.ResponseWriter, err error) {
	if errors.Is(err, monitor.ErrUnknownTenant) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodePayload turns a JSON or form-encoded callback into a generic tree.
func decodePayload(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return formTree(values), nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	return payload, nil
}

func formTree(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		out[k] = list
	}
	return out
}

func (s *Server) aggregates(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if !s.knownTenant(tenant) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s: %s", monitor.ErrUnknownTenant, tenant))
		return
	}

	opts, err := parseAggregateQuery(tenant, r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := s.agg.Range(opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.agg.EnsureAggregates(r.Context(), opts); err != nil {
		s.log.Error("ensure aggregates failed", zap.String("tenant", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	q := storage.AggregateQuery{
		Resolution: string(opts.Resolution),
		Tenant:     tenant,
		From:       from,
		To:         to,
	}
	if len(opts.CheckTypes) == 1 {
		q.CheckType = opts.CheckTypes[0]
	}
	rows, err := s.agg.Query(r.Context(), q)
	if err != nil {
		s.log.Error("query aggregates failed", zap.String("tenant", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": opts.Resolution,
		"from":       from,
		"to":         to,
		"buckets":    rows,
	})
}

func (s *Server) knownTenant(id string) bool {
	for _, t := range s.engine.Tenants() {
		if t == id {
			return true
		}
	}
	return false
}

func parseAggregateQuery(tenant string, q url.Values) (aggregate.Options, error) {
	opts := aggregate.Options{
		Resolution: aggregate.Hour,
		Tenant:     tenant,
		Lookback:   24,
	}
	if v := q.Get("resolution"); v != "" {
		opts.Resolution = aggregate.Resolution(v)
	}
	if _, err := aggregate.BucketSize(opts.Resolution); err != nil {
		return opts, err
	}
	if v := q.Get("check_type"); v != "" {
		opts.CheckTypes = []string{v}
	}
	if v := q.Get("lookback"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid lookback %q", v)
		}
		opts.Lookback = n
	}
	for key, dst := range map[string]*time.Time{"from": &opts.From, "to": &opts.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = t
	}
	return opts, nil
}
