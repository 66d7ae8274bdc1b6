// Package stream maintains server-sent event subscriptions to upstream task
// endpoints. Each watched task gets at most one connection regardless of how
// many observers are attached; events fan out to all of them. Dropped
// connections are retried with exponential backoff until a retry budget is
// exhausted or the failure is one a retry cannot fix.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/clock"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/metrics"
)

// Observer receives callbacks for one attachment to a task stream.
// Callbacks for a given task fire sequentially from the stream's reader
// goroutine. Any nil callback is skipped.
type Observer struct {
	// ID distinguishes this observer from others on the same task.
	ID string
	// OnEvent receives every decoded event from the stream.
	OnEvent func(Event)
	// OnState fires on every connection state transition.
	OnState func(State)
	// OnDown fires once when the connection gives up, either because the
	// retry budget ran out or the failure was permanent.
	OnDown func(error)
}

// Policy controls reconnection behavior for task streams.
type Policy struct {
	Base         time.Duration // first reconnect delay
	Cap          time.Duration // upper bound on reconnect delay
	Budget       int           // reconnect attempts before giving up, 0 = unlimited
	HealthyAfter time.Duration // session length that resets the attempt counter
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.HealthyAfter <= 0 {
		p.HealthyAfter = time.Minute
	}
	return p
}

// Manager owns one stream connection per task and fans received events out
// to attached observers.
type Manager struct {
	client *http.Client
	policy Policy
	clk    clock.Clock
	bus    *events.Bus
	log    *logging.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

// NewManager creates a Manager. A nil client falls back to
// http.DefaultClient; zero policy fields get sensible defaults.
func NewManager(client *http.Client, policy Policy, clk clock.Clock, bus *events.Bus, log *logging.Logger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		client: client,
		policy: policy.withDefaults(),
		clk:    clk,
		bus:    bus,
		log:    log,
		conns:  make(map[string]*conn),
	}
}

// Attach subscribes one or more observers to the stream for taskID, opening
// the connection on first attach. Subsequent attaches for the same task join
// the existing connection and ignore the endpoint argument. Returns the
// connection state observed at attach time.
func (m *Manager) Attach(taskID, endpoint string, observers ...Observer) (State, error) {
	if taskID == "" {
		return StateDisconnected, errors.New("stream: empty task id")
	}
	if len(observers) == 0 {
		return StateDisconnected, errors.New("stream: attach needs at least one observer")
	}
	for _, obs := range observers {
		if obs.ID == "" {
			return StateDisconnected, errors.New("stream: observer needs an id")
		}
	}

	m.mu.Lock()
	if c, ok := m.conns[taskID]; ok {
		var st State
		for _, obs := range observers {
			st = c.addObserver(obs)
		}
		m.mu.Unlock()
		return st, nil
	}
	if endpoint == "" {
		m.mu.Unlock()
		return StateDisconnected, errors.New("stream: empty endpoint")
	}

	obsMap := make(map[string]Observer, len(observers))
	for _, obs := range observers {
		obsMap[obs.ID] = obs
	}
	c := &conn{
		taskID:    taskID,
		endpoint:  endpoint,
		m:         m,
		state:     StateConnecting,
		observers: obsMap,
		done:      make(chan struct{}),
	}
	// Connection lifetime is owned by the Manager, not the attaching
	// caller, so the run context is detached from the request context.
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	m.conns[taskID] = c
	done := c.done
	m.mu.Unlock()

	metrics.TrackConnectionState("", StateConnecting.String())
	c.publishState(StateConnecting)
	m.log.Info("opening task stream", "task", taskID, "endpoint", endpoint)
	go c.run(ctx, done)
	return StateConnecting, nil
}

// Detach removes an observer from a task's stream. The connection closes
// when the last observer leaves. Returns the number of observers remaining.
func (m *Manager) Detach(taskID, observerID string) int {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	left := c.removeObserver(observerID)
	if left == 0 {
		delete(m.conns, taskID)
	}
	m.mu.Unlock()

	if left == 0 {
		m.log.Info("last observer left, closing task stream", "task", taskID)
		c.stop()
	}
	return left
}

// CloseTask force-closes the stream for taskID regardless of remaining
// observers. No-op if the task has no connection.
func (m *Manager) CloseTask(taskID string) {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	if ok {
		delete(m.conns, taskID)
	}
	m.mu.Unlock()

	if ok {
		c.stop()
	}
}

// State reports the connection state for taskID. Tasks without a connection
// report StateDisconnected.
func (m *Manager) State(taskID string) State {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	return c.State()
}

// Observers reports how many observers are attached to taskID's stream.
func (m *Manager) Observers(taskID string) int {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return c.observerCount()
}

// Tasks lists the task IDs that currently hold a connection.
func (m *Manager) Tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Restart re-arms a failed connection, optionally at a new endpoint (empty
// keeps the old one). Observers stay attached. Only connections in
// StateError can be restarted.
func (m *Manager) Restart(taskID, endpoint string) error {
	m.mu.Lock()
	c, ok := m.conns[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream: no connection for task %q", taskID)
	}

	ctx, done, ok := c.rearm(endpoint)
	if !ok {
		return fmt.Errorf("stream: connection for task %q is not in a failed state", taskID)
	}
	m.log.Info("restarting task stream", "task", taskID)
	go c.run(ctx, done)
	return nil
}

// Shutdown closes every stream and waits for the reader goroutines to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
	for _, c := range conns {
		<-c.doneCh()
	}
}
