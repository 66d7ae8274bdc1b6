package watch

import (
	"context"

	"github.com/SolaceLabs/taskwatch/internal/stream"
)

// ResumeOptions controls a recovery pass over persisted task descriptors.
type ResumeOptions struct {
	// Match filters descriptors by metadata. Every listed key must be
	// present in the descriptor's metadata with the same value; tasks that
	// do not match are left untouched. Empty matches everything.
	Match map[string]string

	EventTypes []string
	CompleteOn []string
	FailOn     []string

	OnMessage   func(stream.Event)
	OnError     func(taskID string, err error)
	OnCompleted func(taskID string)
	OnState     func(taskID string, st stream.State)
	// OnAlreadyCompleted fires for tasks that finished while nothing was
	// watching. They are reconciled away without opening a stream.
	OnAlreadyCompleted func(taskID, status string)
}

// ResumeReport summarizes one recovery pass by task ID.
type ResumeReport struct {
	Resumed    []string `json:"resumed"`    // watches re-established
	Reconciled []string `json:"reconciled"` // finished upstream, removed
	Skipped    []string `json:"skipped"`    // outside Match or attach failed
}

// Resume walks every registered descriptor and re-establishes its watch.
// Cold descriptors are probed first: tasks that already finished are
// reconciled out of the registry instead of reconnected. Descriptors with
// a live stream are joined in place, no probe. Probe failures resolve in
// favor of attaching, since a missed completion costs one redundant stream
// while a missed resume loses the task.
func (w *Watcher) Resume(ctx context.Context, opts ResumeOptions) ResumeReport {
	var report ResumeReport
	for _, desc := range w.reg.List() {
		if ctx.Err() != nil {
			break
		}
		if !metadataMatches(desc.Metadata, opts.Match) {
			w.log.Debug("skipping task outside recovery scope", "task", desc.TaskID)
			report.Skipped = append(report.Skipped, desc.TaskID)
			continue
		}

		cold := w.streams.State(desc.TaskID) == stream.StateDisconnected
		if cold && w.probe != nil {
			res, err := w.probe.Status(ctx, desc.TaskID)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				w.log.Warn("status probe failed, attaching anyway", "task", desc.TaskID, "error", err)
			} else if res.Terminal {
				w.Reconcile(desc.TaskID, res.Status)
				if opts.OnAlreadyCompleted != nil {
					opts.OnAlreadyCompleted(desc.TaskID, res.Status)
				}
				report.Reconciled = append(report.Reconciled, desc.TaskID)
				continue
			}
		}

		taskID := desc.TaskID
		attach := AttachOptions{
			TaskID:     taskID,
			Endpoint:   desc.Endpoint,
			Metadata:   desc.Metadata,
			EventTypes: opts.EventTypes,
			CompleteOn: opts.CompleteOn,
			FailOn:     opts.FailOn,
			OnMessage:  opts.OnMessage,
		}
		if opts.OnError != nil {
			attach.OnError = func(err error) { opts.OnError(taskID, err) }
		}
		if opts.OnCompleted != nil {
			attach.OnCompleted = func() { opts.OnCompleted(taskID) }
		}
		if opts.OnState != nil {
			attach.OnState = func(st stream.State) { opts.OnState(taskID, st) }
		}
		if _, err := w.attach(attach, cold); err != nil {
			w.log.Warn("could not resume task", "task", taskID, "error", err)
			report.Skipped = append(report.Skipped, taskID)
			continue
		}
		report.Resumed = append(report.Resumed, taskID)
	}
	return report
}

func metadataMatches(meta, match map[string]string) bool {
	for k, v := range match {
		if meta[k] != v {
			return false
		}
	}
	return true
}
