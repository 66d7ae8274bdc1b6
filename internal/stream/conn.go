package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/metrics"
)

// permanentError marks dial failures that reconnecting cannot fix, such as
// an endpoint that no longer exists or rejected credentials.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// conn owns the event stream subscription for a single task. One reader
// goroutine per conn; all observer callbacks fire from that goroutine, so
// each observer sees events in wire order. Callbacks run without any conn
// lock held and may call back into the Manager.
type conn struct {
	taskID string
	m      *Manager

	mu        sync.Mutex
	endpoint  string
	state     State
	observers map[string]Observer
	lastID    string
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// run is the conn's reconnection loop. It keeps one session open at a time
// and backs off between attempts. Exits when the conn is stopped, the retry
// budget runs out, or a permanent dial failure occurs.
func (c *conn) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := newBackoff(c.m.policy.Base, c.m.policy.Cap)
	for {
		start := c.m.clk.Now()
		err := c.session(ctx, bo)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		if isPermanent(err) {
			c.fail(err)
			return
		}

		// A session that stayed up long enough proves the endpoint is
		// healthy, so the next outage starts from a fresh budget.
		if c.m.clk.Since(start) >= c.m.policy.HealthyAfter {
			bo.reset()
		}

		if c.m.policy.Budget > 0 && bo.attempts() >= c.m.policy.Budget {
			c.fail(fmt.Errorf("retry budget exhausted after %d attempts: %w", bo.attempts(), err))
			return
		}

		c.setState(StateReconnecting)
		metrics.ReconnectsTotal.Inc()

		wait := bo.next()
		c.m.log.Warn("stream session ended, reconnecting", "task", c.taskID, "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-c.m.clk.After(wait):
		}
	}
}

// session opens the stream, reads frames, and dispatches events until the
// stream ends. Returns a permanentError for failures a retry cannot fix.
func (c *conn) session(ctx context.Context, bo *backoff) error {
	endpoint := c.target()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := c.lastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := c.m.client.Do(req)
	if err != nil {
		metrics.ConnectFailures.Inc()
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ConnectFailures.Inc()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("subscribe %s: unexpected status %d", endpoint, resp.StatusCode)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return permanent(err)
		}
		return err
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		metrics.ConnectFailures.Inc()
		return permanent(fmt.Errorf("subscribe %s: unexpected content type %q", endpoint, ct))
	}

	c.setState(StateConnected)
	connectedAt := c.m.clk.Now()
	defer func() {
		metrics.SessionDuration.Observe(c.m.clk.Since(connectedAt).Seconds())
	}()
	c.m.log.Info("stream connected", "task", c.taskID, "endpoint", endpoint)

	fr := newFrameReader(resp.Body)
	for {
		f, err := fr.next()
		if err == io.EOF {
			return errors.New("server closed stream")
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		if f.retry > 0 {
			bo.setHint(f.retry)
		}
		if f.id != "" {
			c.setLastEventID(f.id)
		}
		if len(f.data) == 0 {
			continue
		}

		evt, ok := decodeEvent(c.taskID, f, c.m.clk.Now())
		if !ok {
			metrics.EventsDropped.Inc()
			c.m.log.Warn("dropping malformed event payload", "task", c.taskID, "event", f.name)
			continue
		}

		metrics.EventsTotal.WithLabelValues(evt.Type).Inc()
		c.dispatch(evt)
	}
}

// dispatch delivers an event to every observer and re-broadcasts it on the
// bus. No-op once the conn is stopped, so nothing fires after teardown even
// if frames were still buffered.
func (c *conn) dispatch(evt Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	obs := c.snapshotLocked()
	c.mu.Unlock()

	for _, o := range obs {
		if o.OnEvent != nil {
			o.OnEvent(evt)
		}
	}

	if c.m.bus != nil {
		c.m.bus.Publish(events.BusEvent{
			Type:      events.EventTaskEvent,
			TaskID:    c.taskID,
			Message:   evt.Type,
			Payload:   evt.Data,
			Timestamp: evt.ReceivedAt,
		})
	}
}

// setState applies a state transition and notifies observers and the bus.
func (c *conn) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	obs := c.snapshotLocked()
	c.mu.Unlock()

	metrics.TrackConnectionState(prev.String(), s.String())
	for _, o := range obs {
		if o.OnState != nil {
			o.OnState(s)
		}
	}
	c.publishState(s)
}

// fail moves the conn to StateError and reports the reason to observers.
// The conn stays in the Manager's table so it can be restarted.
func (c *conn) fail(err error) {
	c.setState(StateError)

	c.mu.Lock()
	obs := c.snapshotLocked()
	c.mu.Unlock()

	c.m.log.Error("stream failed", "task", c.taskID, "error", err)
	for _, o := range obs {
		if o.OnDown != nil {
			o.OnDown(err)
		}
	}
}

// stop ends the reader goroutine and marks the conn disconnected. The state
// change bypasses setState so departing observers do not get a callback for
// a close they initiated themselves.
func (c *conn) stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	prev := c.state
	c.state = StateDisconnected
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.TrackConnectionState(prev.String(), "")
	c.publishState(StateDisconnected)
}

// rearm resets a failed conn for a fresh connection attempt, optionally at
// a new endpoint. Returns false if the conn is not in StateError.
func (c *conn) rearm(endpoint string) (context.Context, chan struct{}, bool) {
	c.mu.Lock()
	if c.closed || c.state != StateError {
		c.mu.Unlock()
		return nil, nil, false
	}
	if endpoint != "" {
		c.endpoint = endpoint
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	prev := c.state
	c.state = StateConnecting
	obs := c.snapshotLocked()
	c.mu.Unlock()

	metrics.TrackConnectionState(prev.String(), StateConnecting.String())
	for _, o := range obs {
		if o.OnState != nil {
			o.OnState(StateConnecting)
		}
	}
	c.publishState(StateConnecting)
	return ctx, done, true
}

func (c *conn) publishState(s State) {
	if c.m.bus == nil {
		return
	}
	c.m.bus.Publish(events.BusEvent{
		Type:   events.EventConnectionState,
		TaskID: c.taskID,
		State:  s.String(),
	})
}

// addObserver registers an additional observer and reports the state it
// joined in.
func (c *conn) addObserver(obs Observer) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[obs.ID] = obs
	return c.state
}

// removeObserver drops an observer and reports how many remain.
func (c *conn) removeObserver(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, id)
	return len(c.observers)
}

// snapshotLocked copies the observer set for callback delivery outside the
// lock. Caller must hold c.mu.
func (c *conn) snapshotLocked() []Observer {
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	return obs
}

func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) observerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *conn) lastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func (c *conn) setLastEventID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID = id
}

func (c *conn) doneCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
