// Package sweep periodically re-checks registered tasks against upstream
// status. Streams normally deliver their own terminal events, but a task can
// finish while its stream is down; the sweeper catches those and retires
// them so the registry does not accumulate ghosts.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SolaceLabs/taskwatch/internal/clock"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/metrics"
	"github.com/SolaceLabs/taskwatch/internal/probe"
	"github.com/SolaceLabs/taskwatch/internal/stream"
	"github.com/SolaceLabs/taskwatch/internal/watch"
)

// Prober checks a task's upstream status.
type Prober interface {
	Status(ctx context.Context, taskID string) (*probe.Result, error)
}

// Watch is the slice of the watcher the sweeper drives.
type Watch interface {
	Tasks() []watch.TaskStatus
	Retire(taskID, status string) bool
}

// Options configures a Sweeper.
type Options struct {
	Watcher Watch
	Prober  Prober
	Bus     *events.Bus
	Log     *logging.Logger
	Clock   clock.Clock

	// Interval between sweeps. Schedule, when set, takes precedence and
	// must be a standard five-field cron expression.
	Interval time.Duration
	Schedule string

	// Textfile, when set, receives a node-exporter textfile metrics dump
	// after every sweep.
	Textfile string
}

// Report summarizes one sweep pass.
type Report struct {
	At      time.Time `json:"at"`
	Checked int       `json:"checked"`
	Retired []string  `json:"retired,omitempty"`
	Failed  []string  `json:"failed,omitempty"`
}

// Sweeper reconciles the registry against upstream on a schedule.
type Sweeper struct {
	watcher  Watch
	prober   Prober
	bus      *events.Bus
	log      *logging.Logger
	clk      clock.Clock
	interval time.Duration
	schedule cron.Schedule
	textfile string

	mu   sync.Mutex
	last *Report
}

// New builds a Sweeper. Returns an error when Schedule is set but does not
// parse as a cron expression.
func New(opts Options) (*Sweeper, error) {
	if opts.Watcher == nil || opts.Prober == nil {
		return nil, errors.New("sweep: watcher and prober are required")
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}

	s := &Sweeper{
		watcher:  opts.Watcher,
		prober:   opts.Prober,
		bus:      opts.Bus,
		log:      opts.Log,
		clk:      opts.Clock,
		interval: opts.Interval,
		textfile: opts.Textfile,
	}
	if opts.Schedule != "" {
		sched, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("sweep: invalid schedule %q: %w", opts.Schedule, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Run sweeps until ctx is canceled. The first sweep happens after one full
// interval, not at startup; startup reconciliation is the resume pass's job.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.nextWait()):
		}
		if ctx.Err() != nil {
			return
		}
		s.Sweep(ctx)
	}
}

func (s *Sweeper) nextWait() time.Duration {
	if s.schedule == nil {
		return s.interval
	}
	now := s.clk.Now()
	return s.schedule.Next(now).Sub(now)
}

// Sweep probes every registered task whose stream is not currently
// connected and retires the ones upstream reports as finished. Connected
// streams are skipped; they hear about completion firsthand.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	rep := Report{At: s.clk.Now().UTC()}
	for _, ts := range s.watcher.Tasks() {
		if ctx.Err() != nil {
			break
		}
		if ts.State == stream.StateConnected.String() {
			continue
		}
		taskID := ts.Descriptor.TaskID
		rep.Checked++

		res, err := s.prober.Status(ctx, taskID)
		if err != nil {
			rep.Failed = append(rep.Failed, taskID)
			s.log.Warn("sweep probe failed", "task", taskID, "error", err)
			continue
		}
		if !res.Terminal {
			continue
		}
		if s.watcher.Retire(taskID, res.Status) {
			rep.Retired = append(rep.Retired, taskID)
		}
	}

	metrics.SweepsTotal.Inc()
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()

	if s.bus != nil {
		payload, _ := json.Marshal(rep)
		s.bus.Publish(events.BusEvent{Type: events.EventSweepCompleted, Payload: payload})
	}
	if s.textfile != "" {
		if err := metrics.WriteTextfile(s.textfile); err != nil {
			s.log.Warn("failed to write metrics textfile", "path", s.textfile, "error", err)
		}
	}
	s.log.Info("sweep completed", "checked", rep.Checked, "retired", len(rep.Retired), "failed", len(rep.Failed))
	return rep
}

// Last reports the most recent sweep, or nil before the first one.
func (s *Sweeper) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
