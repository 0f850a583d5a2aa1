package monitor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ankityadav/crmpulse/internal/crm"
	"github.com/ankityadav/crmpulse/internal/status"
)

const maxPayloadBytes = 2048

type outcome struct {
	sig        status.Signal
	payload    string
	configured bool
}

type probeFunc func(ctx context.Context) outcome

type check struct {
	checkType string
	probe     probeFunc
}

func (m *Monitor) checks() []check {
	return []check{
		{status.CheckAPIRead, m.probeAPIRead},
		{status.CheckAPIWrite, m.probeAPIWrite},
		{status.CheckWeb, m.probeWeb},
		{status.CheckWebhooks, m.probeWebhooks},
	}
}

func (m *Monitor) call(ctx context.Context, checkType string, req crm.Request) outcome {
	start := m.now()
	resp, err := m.client.Do(ctx, req)
	return m.fromResponse(checkType, start, resp, err)
}

func (m *Monitor) fromResponse(checkType string, start time.Time, resp *crm.Response, err error) outcome {
	out := outcome{
		sig:        status.Signal{CheckType: checkType, Timestamp: start},
		configured: true,
	}
	if err != nil {
		out.sig.ErrorMessage = err.Error()
		out.sig.ResponseTime = m.now().Sub(start)
		return out
	}
	out.sig.HTTPStatus = resp.StatusCode
	out.sig.ResponseTime = resp.Duration
	if !resp.OK() {
		body := resp.Body
		if len(body) > maxPayloadBytes {
			body = body[:maxPayloadBytes]
		}
		out.payload = string(body)
	}
	return out
}

func (m *Monitor) probeAPIRead(ctx context.Context) outcome {
	return m.call(ctx, status.CheckAPIRead, crm.Request{Path: "/api/v4/account", Auth: true})
}

// probeAPIWrite touches updated_at on the configured lead.
func (m *Monitor) probeAPIWrite(ctx context.Context) outcome {
	id := m.tenant.Probes.WriteEntityID
	if id <= 0 {
		return outcome{sig: status.Signal{CheckType: status.CheckAPIWrite, Timestamp: m.now()}}
	}
	return m.call(ctx, status.CheckAPIWrite, crm.Request{
		Method: http.MethodPatch,
		Path:   "/api/v4/leads/" + strconv.FormatInt(id, 10),
		Body:   map[string]int64{"updated_at": m.now().Unix()},
		Auth:   true,
	})
}

func (m *Monitor) probeWeb(ctx context.Context) outcome {
	return m.call(ctx, status.CheckWeb, crm.Request{Path: m.tenant.LandingURL()})
}

func (m *Monitor) probeWebhooks(ctx context.Context) outcome {
	return m.call(ctx, status.CheckWebhooks, crm.Request{Path: "/api/v4/webhooks", Auth: true})
}

func (m *Monitor) probeDigitalPipeline(ctx context.Context) outcome {
	start := m.now()
	if !m.dpConfigured() {
		return outcome{sig: status.Signal{CheckType: status.CheckDigitalPipeline, Timestamp: start}}
	}

	workerCtx, cancel := context.WithTimeout(ctx, m.opts.DPWorkerTimeout)
	defer cancel()

	done := make(chan status.Signal, 1)
	go func() {
		done <- m.dp.Run(workerCtx)
	}()

	select {
	case sig := <-done:
		return outcome{sig: sig, configured: true}
	case <-workerCtx.Done():
		return outcome{
			sig: status.Signal{
				CheckType:    status.CheckDigitalPipeline,
				Timestamp:    start,
				ResponseTime: m.now().Sub(start),
				ErrorMessage: fmt.Sprintf("digital pipeline probe exceeded worker timeout of %s", m.opts.DPWorkerTimeout),
			},
			configured: true,
		}
	}
}

func (m *Monitor) dpConfigured() bool {
	p := m.tenant.Probes
	return p.DPEntityID > 0 || p.DPPipelineID > 0
}
