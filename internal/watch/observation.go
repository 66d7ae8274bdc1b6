package watch

import (
	"sync"

	"github.com/SolaceLabs/taskwatch/internal/stream"
)

// Observation is one live attachment to a watched task. Closing it stops
// the callbacks and, when it was the last attachment, the connection too.
// The task itself stays registered until a terminal event or an explicit
// Forget removes it.
type Observation struct {
	taskID string
	obsID  string
	w      *Watcher
	once   sync.Once
}

// TaskID reports the watched task.
func (o *Observation) TaskID() string { return o.taskID }

// State reports the current connection state of the task's stream.
func (o *Observation) State() stream.State {
	return o.w.streams.State(o.taskID)
}

// Connected reports whether the stream is currently established.
func (o *Observation) Connected() bool {
	return o.State() == stream.StateConnected
}

// Close releases the attachment. Safe to call more than once.
func (o *Observation) Close() {
	o.once.Do(func() {
		o.w.release(o.taskID, o.obsID)
	})
}
