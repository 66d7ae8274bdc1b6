// Package notify pushes task lifecycle events to external systems.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/metrics"
)

// EventType identifies what happened in a watched task's lifecycle.
type EventType string

const (
	EventTaskRegistered   EventType = "task_registered"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskRecovered    EventType = "task_recovered"
	EventAlreadyCompleted EventType = "task_already_completed"
	EventStreamDown       EventType = "stream_down"
	EventTaskSwept        EventType = "task_swept"
)

// AllEventTypes returns all event types that can be filtered for notifications.
func AllEventTypes() []EventType {
	return []EventType{
		EventTaskRegistered,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskRecovered,
		EventAlreadyCompleted,
		EventStreamDown,
		EventTaskSwept,
	}
}

// Event represents a notification event.
type Event struct {
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. It never returns errors;
// failures are logged but don't block the watch loop.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "error").Inc()
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"task", event.TaskID,
				"error", err.Error(),
			)
		} else {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "ok").Inc()
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
