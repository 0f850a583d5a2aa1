package dp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/crm"
	"github.com/ankityadav/crmpulse/internal/status"
)

// Client is the CRM call surface the probe uses; *crm.Client satisfies it.
type Client interface {
	Do(ctx context.Context, req crm.Request) (*crm.Response, error)
}

type ProbeConfig struct {
	// EntityID pins the marker entity; when zero it is searched by MarkerName or created.
	EntityID   int64
	PipelineID int64
	StatusID   int64
	// FieldID is the custom field rewritten on each probe. When zero the name is rewritten.
	FieldID        int64
	MarkerName     string
	WebhookTimeout time.Duration
}

// Configured reports whether the probe has enough to locate or create its marker.
func (c ProbeConfig) Configured() bool {
	return c.EntityID > 0 || (c.MarkerName != "" && c.PipelineID > 0)
}

type leadsEnvelope struct {
	Embedded struct {
		Leads []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// Run performs one digital pipeline probe. Response time spans from the mutation
// request to the matching callback. A missing callback surfaces as a runtime error.
func (h *Handler) Run(ctx context.Context) status.Signal {
	sig := status.Signal{CheckType: status.CheckDigitalPipeline, Timestamp: time.Now()}

	entityID, err := h.resolveMarker(ctx)
	if err != nil {
		sig.ErrorMessage = err.Error()
		sig.ResponseTime = time.Since(sig.Timestamp)
		return sig
	}

	// Registered before the mutation so a fast callback cannot be missed.
	w := h.register(entityID)
	start := time.Now()

	resp, err := h.mutate(ctx, entityID, uuid.NewString())
	if err != nil {
		h.remove(entityID, w)
		sig.ErrorMessage = err.Error()
		sig.ResponseTime = time.Since(start)
		return sig
	}
	sig.HTTPStatus = resp.StatusCode
	if !resp.OK() {
		h.remove(entityID, w)
		sig.ResponseTime = resp.Duration
		return sig
	}

	err = h.await(ctx, entityID, w)
	sig.ResponseTime = time.Since(start)
	if err != nil {
		sig.ErrorMessage = err.Error()
		h.log.Warn("dp callback not observed", zap.Int64("entity_id", entityID), zap.Error(err))
	}
	return sig
}

func (h *Handler) resolveMarker(ctx context.Context) (int64, error) {
	if id := h.tracked.Load(); id > 0 {
		return id, nil
	}
	if h.cfg.MarkerName == "" {
		return 0, fmt.Errorf("dp marker: no entity id or marker name configured")
	}

	id, err := h.findMarker(ctx)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		if id, err = h.createMarker(ctx); err != nil {
			return 0, err
		}
		h.log.Info("created dp marker entity", zap.Int64("entity_id", id), zap.String("name", h.cfg.MarkerName))
	}
	h.tracked.Store(id)
	return id, nil
}

func (h *Handler) findMarker(ctx context.Context) (int64, error) {
	resp, err := h.client.Do(ctx, crm.Request{
		Path:  "/api/v4/leads",
		Query: url.Values{"query": {h.cfg.MarkerName}},
		Auth:  true,
	})
	if err != nil {
		return 0, fmt.Errorf("search dp marker: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return 0, nil
	}
	if !resp.OK() {
		return 0, fmt.Errorf("search dp marker: status %d", resp.StatusCode)
	}

	var env leadsEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return 0, fmt.Errorf("search dp marker: %w", err)
	}
	for _, lead := range env.Embedded.Leads {
		if lead.Name == h.cfg.MarkerName {
			return lead.ID, nil
		}
	}
	return 0, nil
}

func (h *Handler) createMarker(ctx context.Context) (int64, error) {
	lead := map[string]any{"name": h.cfg.MarkerName}
	if h.cfg.PipelineID > 0 {
		lead["pipeline_id"] = h.cfg.PipelineID
	}
	if h.cfg.StatusID > 0 {
		lead["status_id"] = h.cfg.StatusID
	}

	resp, err := h.client.Do(ctx, crm.Request{
		Method: http.MethodPost,
		Path:   "/api/v4/leads",
		Body:   []map[string]any{lead},
		Auth:   true,
	})
	if err != nil {
		return 0, fmt.Errorf("create dp marker: %w", err)
	}
	if !resp.OK() {
		return 0, fmt.Errorf("create dp marker: status %d", resp.StatusCode)
	}

	var env leadsEnvelope
	if err := resp.DecodeJSON(&env); err != nil {
		return 0, fmt.Errorf("create dp marker: %w", err)
	}
	if len(env.Embedded.Leads) == 0 || env.Embedded.Leads[0].ID == 0 {
		return 0, fmt.Errorf("create dp marker: no id in response")
	}
	return env.Embedded.Leads[0].ID, nil
}

// mutate rewrites the marker so the CRM fires its pipeline webhook.
func (h *Handler) mutate(ctx context.Context, entityID int64, nonce string) (*crm.Response, error) {
	body := map[string]any{"name": h.cfg.MarkerName + " " + nonce}
	if h.cfg.FieldID > 0 {
		body = map[string]any{
			"custom_fields_values": []map[string]any{{
				"field_id": h.cfg.FieldID,
				"values":   []map[string]any{{"value": nonce}},
			}},
		}
	}
	return h.client.Do(ctx, crm.Request{
		Method: http.MethodPatch,
		Path:   "/api/v4/leads/" + strconv.FormatInt(entityID, 10),
		Body:   body,
		Auth:   true,
	})
}
