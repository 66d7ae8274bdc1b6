package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

func TestApiSettings(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.notif.events = []string{"task_completed", "task_failed"}

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/settings", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		NotifyEvents []string `json:"notify_events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.NotifyEvents) != 2 || got.NotifyEvents[0] != "task_completed" {
		t.Errorf("notify_events = %v", got.NotifyEvents)
	}
}

func TestApiSettingsEmptyFilterIsArray(t *testing.T) {
	ts := newTestServer(t, nil)
	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/settings", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"notify_events":[]`) {
		t.Errorf("body = %q, want empty notify_events array", w.Body.String())
	}
}

func TestApiSetNotifyEvents(t *testing.T) {
	ts := newTestServer(t, nil)

	w := doRequest(t, ts.srv.Handler(), http.MethodPut, "/api/settings/notify",
		`{"events":["task_completed","stream_down"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(ts.notif.sets) != 1 || len(ts.notif.sets[0]) != 2 {
		t.Fatalf("sets = %v, want one call with two events", ts.notif.sets)
	}

	// Unknown event types are rejected before anything is applied.
	w = doRequest(t, ts.srv.Handler(), http.MethodPut, "/api/settings/notify",
		`{"events":["task_exploded"]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(ts.notif.sets) != 1 {
		t.Errorf("sets = %v, rejected update must not apply", ts.notif.sets)
	}

	// An empty list resets the filter to all events.
	w = doRequest(t, ts.srv.Handler(), http.MethodPut, "/api/settings/notify", `{"events":[]}`, nil)
	if w.Code != http.StatusOK {
		t.Errorf("reset status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestApiSettingsUnavailable(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) { d.Notifications = nil })

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/settings", "", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("get status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
	w = doRequest(t, ts.srv.Handler(), http.MethodPut, "/api/settings/notify", `{"events":[]}`, nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("put status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
}
