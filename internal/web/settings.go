package web

import (
	"encoding/json"
	"net/http"

	"github.com/SolaceLabs/taskwatch/internal/notify"
)

// apiSettings returns the runtime-adjustable settings. Currently that is
// the notification event filter; an empty list means every event type is
// delivered.
func (s *Server) apiSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		writeError(w, http.StatusNotImplemented, "notification settings not available")
		return
	}
	events := s.deps.Notifications.NotifyEvents()
	if events == nil {
		events = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notify_events": events})
}

// apiSetNotifyEvents replaces the notification event filter at runtime and
// persists it across restarts. An empty list resets to all events.
func (s *Server) apiSetNotifyEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		writeError(w, http.StatusNotImplemented, "notification settings not available")
		return
	}

	var body struct {
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	types := notify.AllEventTypes()
	valid := make(map[string]bool, len(types))
	for _, t := range types {
		valid[string(t)] = true
	}
	for _, e := range body.Events {
		if !valid[e] {
			writeError(w, http.StatusBadRequest, "unknown notification event type: "+e)
			return
		}
	}

	// The new filter takes effect immediately; persistence is best effort.
	if err := s.deps.Notifications.SetNotifyEvents(body.Events); err != nil {
		s.deps.Log.Warn("failed to persist notification settings", "error", err)
	}
	s.deps.Log.Info("notification filter updated", "events", body.Events)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "notify_events": body.Events})
}
