package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/obs"
)

const eventKeepAlive = 25 * time.Second

// eventStream streams the tenant's audit events as Server-Sent Events.
func (a *API) eventStream(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	tenantID := pathVar(r, "tenant")
	if err := auth.ValidateTenantID(tenantID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The server's write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.broker.Subscribe(r.Context(), tenantID)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		obs.Logger().Warn("event stream flush unsupported", zap.Error(err))
		return
	}

	ping := time.NewTicker(eventKeepAlive)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload); err != nil {
				return
			}
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
