package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"medcash/internal/logger"
)

const streamHeartbeat = 25 * time.Second

// handleStoreEvents streams committed ledger events for one store as
// server-sent events until the client goes away.
func (a *API) handleStoreEvents(w http.ResponseWriter, r *http.Request, storeID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.AuthorizeStore(r.Context(), storeID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	events, cancel := a.hub.Subscribe(storeID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	l := logger.FromContext(r.Context())
	l.Debug().Str("store_id", storeID).Msg("event stream opened")
	defer l.Debug().Str("store_id", storeID).Msg("event stream closed")

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				l.Warn().Err(err).Str("event_id", event.ID).Msg("failed to encode ledger event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
