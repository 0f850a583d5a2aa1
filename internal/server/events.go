package server

import (
	"github.com/ankityadav/crmpulse/internal/hub"
	"github.com/ankityadav/crmpulse/internal/monitor"
)

// StatusEvents forwards every status update to websocket subscribers.
func StatusEvents(h *hub.Hub) monitor.Listener {
	return func(checkType string, rec monitor.StatusRecord, tenant string) {
		h.Broadcast(hub.Event{
			Type:      "status.changed",
			Tenant:    tenant,
			CheckType: checkType,
			Payload:   rec,
		})
	}
}
