package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one decoded server-sent event for a watched task.
//
// Type is the payload's "type" discriminator when the payload carries one,
// falling back to the SSE event name, then to "message". The payload itself
// is opaque to the core; consumers decode Data as they see fit.
type Event struct {
	TaskID     string
	Name       string // SSE "event:" field, empty for unnamed events
	Type       string
	ID         string // SSE "id:" field, empty if the server sends none
	Data       json.RawMessage
	ReceivedAt time.Time
}

// frame is one raw text/event-stream block as accumulated from the wire.
type frame struct {
	name  string
	id    string
	data  []string
	retry time.Duration // 0 when the server sent no retry hint
}

// scanner buffer sizing: events are usually small, but document payloads
// can run large.
const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 4 * 1024 * 1024
)

// frameReader incrementally parses text/event-stream frames.
type frameReader struct {
	sc *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, scanBufInitial), scanBufMax)
	return &frameReader{sc: sc}
}

// next returns the next frame, or io.EOF when the stream ends cleanly.
// Comment lines (": keepalive") are skipped; a frame is emitted at the
// first blank line after at least one recognized field. A partial frame
// cut off by EOF is discarded, matching EventSource behavior.
func (fr *frameReader) next() (*frame, error) {
	var f frame
	have := false

	for fr.sc.Scan() {
		line := strings.TrimSuffix(fr.sc.Text(), "\r")
		if line == "" {
			if have {
				return &f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.name = value
			have = true
		case "data":
			f.data = append(f.data, value)
			have = true
		case "id":
			// NUL bytes invalidate an id per the EventSource standard.
			if !strings.Contains(value, "\x00") {
				f.id = value
				have = true
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				f.retry = time.Duration(ms) * time.Millisecond
				have = true
			}
		default:
			// Unknown fields are ignored, as EventSource does.
		}
	}
	if err := fr.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// decodeEvent turns a raw frame into a typed Event. Returns false when the
// data payload is not valid JSON; such frames are dropped by the caller.
func decodeEvent(taskID string, f *frame, now time.Time) (Event, bool) {
	data := []byte(strings.Join(f.data, "\n"))
	if !json.Valid(data) {
		return Event{}, false
	}

	evt := Event{
		TaskID:     taskID,
		Name:       f.name,
		ID:         f.id,
		Data:       data,
		ReceivedAt: now,
	}

	var disc struct {
		Type string `json:"type"`
	}
	switch {
	case json.Unmarshal(data, &disc) == nil && disc.Type != "":
		evt.Type = disc.Type
	case f.name != "":
		evt.Type = f.name
	default:
		evt.Type = "message"
	}
	return evt, true
}
