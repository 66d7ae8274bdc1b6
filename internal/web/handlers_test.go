package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/auth"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/registry"
	"github.com/SolaceLabs/taskwatch/internal/store"
	"github.com/SolaceLabs/taskwatch/internal/sweep"
	"github.com/SolaceLabs/taskwatch/internal/watch"
)

// fakeWatcher implements TaskWatcher in memory.
type fakeWatcher struct {
	mu          sync.Mutex
	tasks       map[string]watch.TaskStatus
	order       []string
	attachCalls []watch.AttachOptions
	attachErr   error
	restartErr  error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{tasks: map[string]watch.TaskStatus{}}
}

func (f *fakeWatcher) add(ts watch.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ts.Descriptor.TaskID
	if _, ok := f.tasks[id]; !ok {
		f.order = append(f.order, id)
	}
	f.tasks[id] = ts
}

func (f *fakeWatcher) Attach(opts watch.AttachOptions) (*watch.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls = append(f.attachCalls, opts)
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	id := opts.TaskID
	if _, ok := f.tasks[id]; !ok {
		f.order = append(f.order, id)
	}
	f.tasks[id] = watch.TaskStatus{
		Descriptor: registry.Descriptor{TaskID: id, Endpoint: opts.Endpoint, Metadata: opts.Metadata},
		State:      "connecting",
		Observers:  1,
	}
	return &watch.Observation{}, nil
}

func (f *fakeWatcher) Tasks() []watch.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]watch.TaskStatus, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.tasks[id])
	}
	return out
}

func (f *fakeWatcher) Find(taskID string) (watch.TaskStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.tasks[taskID]
	return ts, ok
}

func (f *fakeWatcher) Forget(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return false
	}
	delete(f.tasks, taskID)
	return true
}

func (f *fakeWatcher) Restart(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	if _, ok := f.tasks[taskID]; !ok {
		return errors.New("not registered")
	}
	return nil
}

func (f *fakeWatcher) attached() []watch.AttachOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]watch.AttachOptions(nil), f.attachCalls...)
}

type fakeSweeper struct {
	mu     sync.Mutex
	report sweep.Report
	last   *sweep.Report
	runs   int
}

func (f *fakeSweeper) Sweep(_ context.Context) sweep.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.last = &f.report
	return f.report
}

func (f *fakeSweeper) Last() *sweep.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeHistoryReader struct {
	recs      []store.EventRecord
	err       error
	lastTask  string
	lastLimit int
	deleted   []string
}

func (f *fakeHistoryReader) ListEvents(taskID string, limit int) ([]store.EventRecord, error) {
	f.lastTask = taskID
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.recs, nil
}

func (f *fakeHistoryReader) DeleteEvents(taskID string) (int, error) {
	f.deleted = append(f.deleted, taskID)
	if f.err != nil {
		return 0, f.err
	}
	return len(f.recs), nil
}

// fakeBearerVerifier implements auth.BearerVerifier.
type fakeBearerVerifier struct {
	subject string
	err     error
}

func (f *fakeBearerVerifier) VerifyBearer(_ context.Context, _ string) (string, error) {
	return f.subject, f.err
}

type fakeNotifySettings struct {
	mu     sync.Mutex
	events []string
	setErr error
	sets   [][]string
}

func (f *fakeNotifySettings) NotifyEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeNotifySettings) SetNotifyEvents(events []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
	f.sets = append(f.sets, events)
	return f.setErr
}

type testServer struct {
	srv     *Server
	watcher *fakeWatcher
	sweeper *fakeSweeper
	history *fakeHistoryReader
	notif   *fakeNotifySettings
	bus     *events.Bus
}

// newTestServer builds a Server on in-memory fakes. mod adjusts the
// dependencies before construction.
func newTestServer(t *testing.T, mod func(*Dependencies)) *testServer {
	t.Helper()
	ts := &testServer{
		watcher: newFakeWatcher(),
		sweeper: &fakeSweeper{},
		history: &fakeHistoryReader{},
		notif:   &fakeNotifySettings{},
		bus:     events.New(),
	}
	deps := Dependencies{
		Watcher:       ts.watcher,
		Sweeper:       ts.sweeper,
		History:       ts.history,
		Notifications: ts.notif,
		EventBus:      ts.bus,
		Log:           logging.Discard(),
		Version:       "test",
	}
	if mod != nil {
		mod(&deps)
	}
	ts.srv = NewServer(deps)
	return ts
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func taskStatus(id, state string) watch.TaskStatus {
	return watch.TaskStatus{
		Descriptor: registry.Descriptor{
			TaskID:       id,
			Endpoint:     "https://mesh.test/sse/subscribe/" + id,
			RegisteredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		State: state,
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestApiStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "connected"))
	ts.watcher.add(taskStatus("task-2", "error"))
	ts.sweeper.Sweep(context.Background())

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got struct {
		Version   string         `json:"version"`
		Tasks     int            `json:"tasks"`
		States    map[string]int `json:"states"`
		LastSweep *sweep.Report  `json:"lastSweep"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Version != "test" {
		t.Errorf("version = %q, want %q", got.Version, "test")
	}
	if got.Tasks != 2 {
		t.Errorf("tasks = %d, want 2", got.Tasks)
	}
	if got.States["connected"] != 1 || got.States["error"] != 1 {
		t.Errorf("states = %v", got.States)
	}
	if got.LastSweep == nil {
		t.Error("lastSweep missing after a sweep ran")
	}
}

func TestApiTasks(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "connected"))

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got []watch.TaskStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Descriptor.TaskID != "task-1" {
		t.Errorf("tasks = %+v, want [task-1]", got)
	}
}

func TestApiAttachTask(t *testing.T) {
	ts := newTestServer(t, nil)
	body := `{
		"task_id": "task-abc",
		"endpoint": "https://mesh.test/sse/subscribe/task-abc",
		"metadata": {"resourceId": "project-1"}
	}`

	w := doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/tasks", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	calls := ts.watcher.attached()
	if len(calls) != 1 {
		t.Fatalf("attach calls = %d, want 1", len(calls))
	}
	if calls[0].TaskID != "task-abc" {
		t.Errorf("attached task = %q, want %q", calls[0].TaskID, "task-abc")
	}
	if calls[0].Metadata["resourceId"] != "project-1" {
		t.Errorf("attached metadata = %v", calls[0].Metadata)
	}
}

func TestApiAttachTaskValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing task_id", `{"endpoint": "https://mesh.test/sse"}`},
		{"missing endpoint", `{"task_id": "task-1"}`},
		{"invalid json", `{nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/tasks", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
	if n := len(ts.watcher.attached()); n != 0 {
		t.Errorf("attach calls = %d, want 0", n)
	}
}

func TestApiTaskDetail(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "connected"))

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status for unknown task = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestApiForgetTask(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "connected"))

	w := doRequest(t, ts.srv.Handler(), http.MethodDelete, "/api/tasks/task-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, ok := ts.watcher.Find("task-1"); ok {
		t.Error("task still present after delete")
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodDelete, "/api/tasks/task-1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestApiRestartTask(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "error"))

	w := doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/tasks/task-1/restart", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	ts.watcher.restartErr = errors.New("not in a failed state")
	w = doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/tasks/task-1/restart", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestApiTaskEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.history.recs = []store.EventRecord{
		{TaskID: "task-1", Type: "progress", Payload: json.RawMessage(`{"percent":50}`)},
	}

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-1/events?limit=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ts.history.lastTask != "task-1" || ts.history.lastLimit != 10 {
		t.Errorf("history queried with (%q, %d), want (task-1, 10)", ts.history.lastTask, ts.history.lastLimit)
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-1/events?limit=zero", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	ts.history.err = errors.New("db closed")
	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-1/events", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("history error status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestApiTaskEventsEmptyIsArray(t *testing.T) {
	ts := newTestServer(t, nil)
	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks/task-1/events", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}

func TestApiSweep(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sweeper.report = sweep.Report{Checked: 3, Retired: []string{"task-old"}}

	w := doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/sweep", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got sweep.Report
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Checked != 3 || len(got.Retired) != 1 {
		t.Errorf("report = %+v", got)
	}
	if ts.sweeper.runs != 1 {
		t.Errorf("sweeps run = %d, want 1", ts.sweeper.runs)
	}
}

func TestApiSweepUnavailable(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) { d.Sweeper = nil })
	w := doRequest(t, ts.srv.Handler(), http.MethodPost, "/api/sweep", "", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
}

func TestApiForgetTaskPurge(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.watcher.add(taskStatus("task-1", "connected"))
	ts.history.recs = []store.EventRecord{{TaskID: "task-1", Type: "progress"}}

	w := doRequest(t, ts.srv.Handler(), http.MethodDelete, "/api/tasks/task-1?purge=true", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(ts.history.deleted) != 1 || ts.history.deleted[0] != "task-1" {
		t.Errorf("deleted history for %v, want [task-1]", ts.history.deleted)
	}

	var got struct {
		Purged int `json:"purged_events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Purged != 1 {
		t.Errorf("purged_events = %d, want 1", got.Purged)
	}
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.Auth = auth.NewService("token", "twk_sekrit", nil, nil, logging.Discard())
	})

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", map[string]string{
		"Authorization": "Bearer twk_wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", map[string]string{
		"Authorization": "Bearer twk_sekrit",
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want %d", w.Code, http.StatusOK)
	}

	// Probe and scrape routes stay public.
	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestOIDCAuth(t *testing.T) {
	verifier := &fakeBearerVerifier{subject: "user-42"}
	ts := newTestServer(t, func(d *Dependencies) {
		d.Auth = auth.NewService("oidc", "", nil, verifier, logging.Discard())
	})

	w := doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", map[string]string{
		"Authorization": "Bearer some.jwt.token",
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want %d", w.Code, http.StatusOK)
	}

	verifier.err = errors.New("token expired")
	w = doRequest(t, ts.srv.Handler(), http.MethodGet, "/api/tasks", "", map[string]string{
		"Authorization": "Bearer some.jwt.token",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired token status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
