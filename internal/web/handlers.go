package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/store"
	"github.com/SolaceLabs/taskwatch/internal/watch"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiStatus reports daemon health: version, watched task count, connection
// states, and the last sweep.
func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Watcher.Tasks()
	states := map[string]int{}
	for _, ts := range tasks {
		states[ts.State]++
	}

	resp := struct {
		Version   string         `json:"version"`
		Uptime    string         `json:"uptime"`
		Tasks     int            `json:"tasks"`
		States    map[string]int `json:"states"`
		LastSweep any            `json:"lastSweep,omitempty"`
	}{
		Version: s.deps.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Tasks:   len(tasks),
		States:  states,
	}
	if s.deps.Sweeper != nil {
		if last := s.deps.Sweeper.Last(); last != nil {
			resp.LastSweep = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// apiTasks lists all registered tasks with their connection state.
func (s *Server) apiTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.deps.Watcher.Tasks()
	if tasks == nil {
		tasks = []watch.TaskStatus{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// apiAttachTask registers a task and opens its stream. The daemon itself
// holds the attachment; terminal events tear it down.
func (s *Server) apiAttachTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID     string            `json:"task_id"`
		Endpoint   string            `json:"endpoint"`
		Metadata   map[string]string `json:"metadata"`
		CompleteOn []string          `json:"complete_on"`
		FailOn     []string          `json:"fail_on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if body.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	_, err := s.deps.Watcher.Attach(watch.AttachOptions{
		TaskID:     body.TaskID,
		Endpoint:   body.Endpoint,
		Metadata:   body.Metadata,
		CompleteOn: body.CompleteOn,
		FailOn:     body.FailOn,
	})
	if err != nil {
		s.deps.Log.Error("attach via api failed", "task", body.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to attach task")
		return
	}

	ts, _ := s.deps.Watcher.Find(body.TaskID)
	writeJSON(w, http.StatusCreated, ts)
}

func (s *Server) apiTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ts, ok := s.deps.Watcher.Find(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// apiForgetTask unregisters a task and closes its stream. With ?purge=true
// the recorded event history is dropped as well; by default it is retained
// for later inspection.
func (s *Server) apiForgetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Watcher.Forget(id) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	resp := map[string]any{"status": "forgotten", "task_id": id}
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		n, err := s.deps.History.DeleteEvents(id)
		if err != nil {
			s.deps.Log.Warn("failed to purge task history", "task", id, "error", err)
		} else {
			resp["purged_events"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) apiRestartTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Watcher.Restart(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting", "task_id": id})
}

// apiTaskEvents returns the recorded event history for a task, newest
// first. The limit query parameter caps the result, default 50.
func (s *Server) apiTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.deps.History.ListEvents(id, limit)
	if err != nil {
		s.deps.Log.Error("failed to list task events", "task", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if recs == nil {
		recs = []store.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// apiSweep runs one reconciliation sweep synchronously and returns its
// report.
func (s *Server) apiSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusNotImplemented, "sweeper not available")
		return
	}
	rep := s.deps.Sweeper.Sweep(r.Context())
	writeJSON(w, http.StatusOK, rep)
}
