/*
Copyright 2025 Fateworks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/httplib"
)

// streamEvents serves the live ledger feed over server-sent events.
// Each subscriber has its own buffered channel, so a stalled client
// cannot block publishers or its peers.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httplib.ReplyJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error", "message": "streaming unsupported",
		})
		return
	}
	sub, err := h.cfg.Bus.Subscribe()
	if err != nil {
		httplib.ReplyError(r.Context(), w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables proxy buffering, which otherwise delays frames.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	preamble, _ := json.Marshal(map[string]interface{}{
		"clients":   h.cfg.Bus.NumSubscribers(),
		"timestamp": h.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", pik.SSEConnectedEvent, preamble)
	flusher.Flush()

	heartbeat := h.cfg.Clock.NewTicker(defaults.SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.Chan():
			fmt.Fprintf(w, ": heartbeat %s\n\n", h.cfg.Clock.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.WarnContext(r.Context(), "dropping unmarshalable event", "event_id", ev.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
