// Package watch is the facade over task watching. It keeps the registry,
// the stream manager, the status prober, and the notification chain in one
// coherent lifecycle: attach registers a task and opens its stream, terminal
// events tear everything down exactly once, and descriptors left behind by a
// previous run can be resumed with completion reconciliation.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/SolaceLabs/taskwatch/internal/clock"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/metrics"
	"github.com/SolaceLabs/taskwatch/internal/notify"
	"github.com/SolaceLabs/taskwatch/internal/probe"
	"github.com/SolaceLabs/taskwatch/internal/registry"
	"github.com/SolaceLabs/taskwatch/internal/store"
	"github.com/SolaceLabs/taskwatch/internal/stream"
)

// StatusProber checks upstream task status before re-attach decisions.
type StatusProber interface {
	Status(ctx context.Context, taskID string) (*probe.Result, error)
}

// HistoryStore records received events for later inspection.
type HistoryStore interface {
	AppendEvent(rec store.EventRecord, keep int) error
}

// Notifier pushes lifecycle events to external systems.
type Notifier interface {
	Notify(ctx context.Context, event notify.Event) bool
}

// Options wires a Watcher's collaborators. Registry and Streams are
// required; everything else degrades gracefully when nil.
type Options struct {
	Registry *registry.Registry
	Streams  *stream.Manager
	Probe    StatusProber // nil skips status probes (resume fails open)
	History  HistoryStore
	Bus      *events.Bus
	Notifier Notifier
	Log      *logging.Logger
	Clock    clock.Clock

	// CompleteOn and FailOn are the default terminal event types, used by
	// attachments that do not override them.
	CompleteOn []string
	FailOn     []string

	// HistoryKeep bounds retained history records per task.
	HistoryKeep int
}

// AttachOptions configures one observer attachment to a task.
type AttachOptions struct {
	TaskID   string
	Endpoint string
	Metadata map[string]string

	// EventTypes restricts which event types reach OnMessage. Empty
	// receives everything. Terminal events end the watch regardless.
	EventTypes []string
	// CompleteOn and FailOn override the watcher-wide terminal sets.
	CompleteOn []string
	FailOn     []string

	OnMessage   func(stream.Event)
	OnError     func(error)
	OnCompleted func()
	OnState     func(stream.State)
}

// Watcher coordinates the full watch lifecycle for registered tasks.
type Watcher struct {
	reg      *registry.Registry
	streams  *stream.Manager
	probe    StatusProber
	history  HistoryStore
	bus      *events.Bus
	notifier Notifier
	log      *logging.Logger
	clk      clock.Clock

	completeOn  []string
	failOn      []string
	historyKeep int

	// mu serializes registry transitions so terminal teardown runs exactly
	// once per task no matter which path gets there first.
	mu sync.Mutex
}

// New creates a Watcher from opts.
func New(opts Options) *Watcher {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if len(opts.CompleteOn) == 0 {
		opts.CompleteOn = []string{"task_completed"}
	}
	if len(opts.FailOn) == 0 {
		opts.FailOn = []string{"task_failed"}
	}
	if opts.HistoryKeep <= 0 {
		opts.HistoryKeep = 200
	}
	return &Watcher{
		reg:         opts.Registry,
		streams:     opts.Streams,
		probe:       opts.Probe,
		history:     opts.History,
		bus:         opts.Bus,
		notifier:    opts.Notifier,
		log:         opts.Log,
		clk:         opts.Clock,
		completeOn:  opts.CompleteOn,
		failOn:      opts.FailOn,
		historyKeep: opts.HistoryKeep,
	}
}

// Attach registers the task (idempotently) and subscribes an observer to
// its event stream. The first attachment opens the connection; later ones
// share it. The returned Observation releases the attachment on Close while
// leaving the task registered for future recovery.
func (w *Watcher) Attach(opts AttachOptions) (*Observation, error) {
	return w.attach(opts, false)
}

func (w *Watcher) attach(opts AttachOptions, recovered bool) (*Observation, error) {
	if opts.TaskID == "" {
		return nil, errors.New("watch: attach needs a task id")
	}
	if opts.Endpoint == "" {
		return nil, errors.New("watch: attach needs an endpoint")
	}

	obsID := uuid.NewString()
	so := w.streamObserver(obsID, opts)

	w.mu.Lock()
	existing, known := w.reg.Find(opts.TaskID)
	changed := existing.Endpoint != opts.Endpoint ||
		(opts.Metadata != nil && !maps.Equal(existing.Metadata, opts.Metadata))
	if !known || changed {
		meta := opts.Metadata
		if meta == nil {
			meta = existing.Metadata
		}
		w.reg.Register(registry.Descriptor{
			TaskID:       opts.TaskID,
			Endpoint:     opts.Endpoint,
			Metadata:     meta,
			RegisteredAt: existing.RegisteredAt,
		})
	}
	desc, _ := w.reg.Find(opts.TaskID)

	st := w.streams.State(opts.TaskID)
	fresh := st == stream.StateDisconnected
	if fresh {
		// Tap and observer join in one call so neither can miss an event
		// the other saw.
		if _, err := w.streams.Attach(opts.TaskID, opts.Endpoint, w.tap(opts.TaskID), so); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	} else {
		if _, err := w.streams.Attach(opts.TaskID, opts.Endpoint, so); err != nil {
			w.mu.Unlock()
			return nil, err
		}
		if st == stream.StateError {
			if err := w.streams.Restart(opts.TaskID, opts.Endpoint); err != nil {
				w.log.Warn("could not restart failed stream on attach", "task", opts.TaskID, "error", err)
			}
		}
	}
	w.mu.Unlock()

	metrics.WatchedTasks.Set(float64(w.reg.Len()))
	if fresh {
		if recovered {
			w.announce(events.EventTaskRecovered, notify.EventTaskRecovered, desc)
			w.log.Info("recovered task watch", "task", opts.TaskID, "endpoint", opts.Endpoint)
		} else if !known {
			w.announce(events.EventTaskRegistered, notify.EventTaskRegistered, desc)
			w.log.Info("watching task", "task", opts.TaskID, "endpoint", opts.Endpoint)
		}
	}

	return &Observation{taskID: opts.TaskID, obsID: obsID, w: w}, nil
}

// streamObserver builds the stream-level observer that carries one
// attachment's callbacks and terminal policy.
func (w *Watcher) streamObserver(obsID string, opts AttachOptions) stream.Observer {
	filter := toSet(opts.EventTypes)
	completeOn := toSet(firstNonEmpty(opts.CompleteOn, w.completeOn))
	failOn := toSet(firstNonEmpty(opts.FailOn, w.failOn))

	return stream.Observer{
		ID: obsID,
		OnEvent: func(evt stream.Event) {
			if opts.OnMessage != nil && (len(filter) == 0 || filter[evt.Type]) {
				opts.OnMessage(evt)
			}
			switch {
			case completeOn[evt.Type]:
				w.retire(evt.TaskID, outcome{
					busType:    events.EventTaskCompleted,
					notifyType: notify.EventTaskCompleted,
					status:     "completed",
					logMsg:     "task completed",
				})
				if opts.OnCompleted != nil {
					opts.OnCompleted()
				}
			case failOn[evt.Type]:
				reason := failureReason(evt)
				w.retire(evt.TaskID, outcome{
					busType:    events.EventTaskFailed,
					notifyType: notify.EventTaskFailed,
					status:     "failed",
					reason:     reason,
					logMsg:     "task failed",
				})
				if opts.OnError != nil {
					opts.OnError(errors.New(reason))
				}
			}
		},
		OnState: opts.OnState,
		OnDown: func(err error) {
			if opts.OnError != nil {
				opts.OnError(err)
			}
		},
	}
}

// tap is the watcher's own per-task observer. It records every event in the
// history store and reports stream breakdowns, independent of how many user
// attachments exist.
func (w *Watcher) tap(taskID string) stream.Observer {
	return stream.Observer{
		ID: tapID(taskID),
		OnEvent: func(evt stream.Event) {
			if w.history == nil {
				return
			}
			rec := store.EventRecord{
				Timestamp: evt.ReceivedAt,
				TaskID:    evt.TaskID,
				Type:      evt.Type,
				Name:      evt.Name,
				Payload:   evt.Data,
			}
			if err := w.history.AppendEvent(rec, w.historyKeep); err != nil {
				w.log.Warn("failed to record event history", "task", taskID, "error", err)
			}
		},
		OnDown: func(err error) {
			// The registry entry survives so the task can be restarted or
			// recovered later.
			desc, ok := w.reg.Find(taskID)
			if !ok {
				return
			}
			w.notifyTask(notify.EventStreamDown, desc, "", err.Error())
		},
	}
}

func tapID(taskID string) string { return "tap:" + taskID }

// Restart re-arms a failed connection using the registered endpoint.
func (w *Watcher) Restart(taskID string) error {
	desc, ok := w.reg.Find(taskID)
	if !ok {
		return fmt.Errorf("watch: task %q is not registered", taskID)
	}
	return w.streams.Restart(taskID, desc.Endpoint)
}

// Reconcile removes a task that upstream reports as already finished, e.g.
// one that completed while no watcher was running. No stream is opened.
// Returns false if the task was not registered.
func (w *Watcher) Reconcile(taskID, status string) bool {
	return w.retire(taskID, outcome{
		busType:     events.EventAlreadyCompleted,
		notifyType:  notify.EventAlreadyCompleted,
		historyType: "task_already_completed",
		status:      status,
		logMsg:      "task already completed upstream",
	})
}

// Retire removes a task found finished during a periodic sweep.
func (w *Watcher) Retire(taskID, status string) bool {
	return w.retire(taskID, outcome{
		busType:     events.EventAlreadyCompleted,
		notifyType:  notify.EventTaskSwept,
		historyType: "task_swept",
		status:      status,
		logMsg:      "sweep retired finished task",
	})
}

// Forget drops a task from the registry and closes its stream without
// treating it as finished. Operator-initiated removal.
func (w *Watcher) Forget(taskID string) bool {
	return w.retire(taskID, outcome{
		busType:     events.EventTaskUnregistered,
		historyType: "task_unregistered",
		logMsg:      "task unregistered",
	})
}

// outcome describes how a retired task is reported.
type outcome struct {
	busType     events.EventType
	notifyType  notify.EventType
	historyType string // non-empty writes a synthetic history record
	status      string
	reason      string
	logMsg      string
}

// retire removes the task from the registry and closes its stream, exactly
// once. All terminal paths funnel through here.
func (w *Watcher) retire(taskID string, o outcome) bool {
	w.mu.Lock()
	desc, ok := w.reg.Find(taskID)
	if !ok {
		w.mu.Unlock()
		return false
	}
	w.reg.Unregister(taskID)
	w.streams.CloseTask(taskID)
	w.mu.Unlock()

	metrics.WatchedTasks.Set(float64(w.reg.Len()))
	w.log.Info(o.logMsg, "task", taskID, "status", o.status, "reason", o.reason)

	// Wire events reach history through the tap; retirements without one
	// get a synthetic record.
	if o.historyType != "" && w.history != nil {
		payload, _ := json.Marshal(struct {
			Status string `json:"status,omitempty"`
			Reason string `json:"reason,omitempty"`
		}{o.status, o.reason})
		rec := store.EventRecord{
			Timestamp: w.clk.Now().UTC(),
			TaskID:    taskID,
			Type:      o.historyType,
			Name:      "taskwatch",
			Payload:   payload,
		}
		if err := w.history.AppendEvent(rec, w.historyKeep); err != nil {
			w.log.Warn("failed to record retirement", "task", taskID, "error", err)
		}
	}

	if w.bus != nil {
		payload, _ := json.Marshal(desc)
		w.bus.Publish(events.BusEvent{
			Type:    o.busType,
			TaskID:  taskID,
			Message: o.reason,
			State:   o.status,
			Payload: payload,
		})
	}
	if o.notifyType != "" {
		w.notifyTask(o.notifyType, desc, o.status, o.reason)
	}
	return true
}

// announce publishes a task's arrival on the bus and notification chain.
func (w *Watcher) announce(busType events.EventType, notifyType notify.EventType, desc registry.Descriptor) {
	if w.bus != nil {
		payload, _ := json.Marshal(desc)
		w.bus.Publish(events.BusEvent{
			Type:    busType,
			TaskID:  desc.TaskID,
			Payload: payload,
		})
	}
	w.notifyTask(notifyType, desc, "", "")
}

func (w *Watcher) notifyTask(t notify.EventType, desc registry.Descriptor, status, reason string) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(context.Background(), notify.Event{
		Type:      t,
		TaskID:    desc.TaskID,
		Endpoint:  desc.Endpoint,
		Status:    status,
		Error:     reason,
		Metadata:  desc.Metadata,
		Timestamp: w.clk.Now().UTC(),
	})
}

// release detaches one attachment. When only the watcher's own tap remains,
// the connection is closed too; the registry entry stays for recovery.
func (w *Watcher) release(taskID, obsID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	left := w.streams.Detach(taskID, obsID)
	if left == 1 {
		w.streams.Detach(taskID, tapID(taskID))
	}
}

// TaskStatus is one registered task with its live connection state.
type TaskStatus struct {
	Descriptor registry.Descriptor `json:"descriptor"`
	State      string              `json:"state"`
	Observers  int                 `json:"observers"`
}

// Tasks snapshots all registered tasks, oldest first.
func (w *Watcher) Tasks() []TaskStatus {
	list := w.reg.List()
	out := make([]TaskStatus, 0, len(list))
	for _, d := range list {
		out = append(out, w.status(d))
	}
	return out
}

// Find reports a single task's status.
func (w *Watcher) Find(taskID string) (TaskStatus, bool) {
	d, ok := w.reg.Find(taskID)
	if !ok {
		return TaskStatus{}, false
	}
	return w.status(d), true
}

func (w *Watcher) status(d registry.Descriptor) TaskStatus {
	n := w.streams.Observers(d.TaskID)
	if n > 0 {
		n-- // the watcher's own tap is not a subscriber
	}
	return TaskStatus{
		Descriptor: d,
		State:      w.streams.State(d.TaskID).String(),
		Observers:  n,
	}
}

// Shutdown closes every stream. Registered tasks stay in the registry so
// the next run can resume them.
func (w *Watcher) Shutdown() {
	w.streams.Shutdown()
}

// failureReason extracts the upstream error message from a failure event's
// payload, falling back to the event type.
func failureReason(evt stream.Event) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("task failed with event %q", evt.Type)
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
