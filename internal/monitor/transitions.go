package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/notifier"
	"github.com/ankityadav/crmpulse/internal/status"
	"github.com/ankityadav/crmpulse/internal/storage"
)

// applyTransition drives incidents and notifications from the confirmed status.
// Incident records are always written; only notifications are debounced.
func (m *Monitor) applyTransition(ctx context.Context, checkType string, prev status.Status, eval status.Evaluation, sig status.Signal) error {
	nc := notifier.Context{
		Tenant:       m.tenant.ID,
		Domain:       m.tenant.Domain,
		Status:       string(eval.Status),
		Previous:     string(prev),
		Reason:       string(eval.Reason),
		ResponseTime: sig.ResponseTime,
		HTTPStatus:   sig.HTTPStatus,
		ErrorMessage: sig.ErrorMessage,
		Since:        m.now(),
	}

	m.applyWarningTransition(ctx, checkType, prev, eval.Status, nc)

	switch eval.Status {
	case status.Down:
		open, err := m.store.GetOpenIncident(ctx, m.tenant.ID, checkType)
		if err != nil {
			return fmt.Errorf("load open incident: %w", err)
		}
		if open != nil {
			return nil
		}
		inc := &storage.Incident{
			Tenant:    m.tenant.ID,
			CheckType: checkType,
			StartTime: m.now(),
			Message:   incidentMessage(eval, sig),
		}
		if err := m.store.InsertIncident(ctx, inc); err != nil {
			return fmt.Errorf("open incident: %w", err)
		}
		m.metrics.IncidentOpened(m.tenant.ID, checkType)
		m.log.Info("incident opened",
			zap.String("check_type", checkType),
			zap.Uint("incident_id", inc.ID),
			zap.String("reason", string(eval.Reason)))
		m.notify(ctx, checkType, kindDown, nc, m.notifier.SendDown)

	case status.Up:
		if prev != status.Down && prev != status.Warning {
			return nil
		}
		open, err := m.store.GetOpenIncident(ctx, m.tenant.ID, checkType)
		if err != nil {
			return fmt.Errorf("load open incident: %w", err)
		}
		if open == nil {
			return nil
		}
		if err := m.store.UpdateIncidentEndTime(ctx, open.ID, m.now()); err != nil {
			return fmt.Errorf("close incident: %w", err)
		}
		m.log.Info("incident closed",
			zap.String("check_type", checkType),
			zap.Uint("incident_id", open.ID),
			zap.Duration("duration", m.now().Sub(open.StartTime)))
		m.notify(ctx, checkType, kindUp, nc, m.notifier.SendUp)
	}
	return nil
}

// applyWarningTransition announces entering WARNING from a healthy or unknown state
// and resolves or dismisses that announcement when WARNING is left. A partial
// recovery out of DOWN stays quiet.
func (m *Monitor) applyWarningTransition(ctx context.Context, checkType string, prev, next status.Status, nc notifier.Context) {
	m.mu.Lock()
	active := m.warningActive[checkType]
	m.mu.Unlock()

	switch {
	case next == status.Warning && prev != status.Warning && prev != status.Down:
		m.setWarningActive(checkType, true)
		m.notify(ctx, checkType, kindWarning, nc, m.notifier.SendWarning)

	case next != status.Warning && active:
		m.setWarningActive(checkType, false)
		if next == status.Up {
			m.notify(ctx, checkType, kindWarningResolved, nc, m.notifier.SendWarningResolved)
			return
		}
		if err := m.notifier.DismissWarning(ctx, checkType, nc); err != nil {
			m.log.Warn("failed to dismiss warning", zap.String("check_type", checkType), zap.Error(err))
		}
	}
}

func (m *Monitor) setWarningActive(checkType string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningActive[checkType] = v
}

// notify sends unless the same kind went out for this check type within the
// debounce window. Failures are logged and never reach the cycle.
func (m *Monitor) notify(ctx context.Context, checkType string, kind notifyKind, nc notifier.Context,
	send func(context.Context, string, notifier.Context) error) {
	key := notifyKey{checkType: checkType, kind: kind}
	now := m.now()

	m.mu.Lock()
	last, ok := m.lastNotified[key]
	if ok && now.Sub(last) < m.opts.NotificationDebounce {
		m.mu.Unlock()
		m.log.Debug("notification debounced", zap.String("check_type", checkType), zap.String("kind", string(kind)))
		return
	}
	m.lastNotified[key] = now
	m.mu.Unlock()

	if err := send(ctx, checkType, nc); err != nil {
		m.log.Warn("notification failed",
			zap.String("check_type", checkType),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func incidentMessage(eval status.Evaluation, sig status.Signal) string {
	switch {
	case sig.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", eval.Reason, sig.ErrorMessage)
	case sig.HTTPStatus != 0:
		return fmt.Sprintf("%s: HTTP %d after %dms", eval.Reason, sig.HTTPStatus, sig.ResponseTime.Milliseconds())
	default:
		return string(eval.Reason)
	}
}
