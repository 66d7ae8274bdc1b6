package stream

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestFrameReaderParsesFrames(t *testing.T) {
	fr := newFrameReader(strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"event: progress",
		"id: 7",
		"data: {\"type\":\"progress\",\"percent\":50}",
		"",
		"retry: 2500",
		"data: {\"done\":true}",
		"",
	}, "\n")))

	f, err := fr.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if f.name != "progress" {
		t.Errorf("name = %q, want %q", f.name, "progress")
	}
	if f.id != "7" {
		t.Errorf("id = %q, want %q", f.id, "7")
	}
	if got := strings.Join(f.data, "\n"); got != `{"type":"progress","percent":50}` {
		t.Errorf("data = %q", got)
	}

	f, err = fr.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if f.retry != 2500*time.Millisecond {
		t.Errorf("retry = %v, want 2.5s", f.retry)
	}

	if _, err := fr.next(); err != io.EOF {
		t.Fatalf("next() at end = %v, want io.EOF", err)
	}
}

func TestFrameReaderMultiLineData(t *testing.T) {
	fr := newFrameReader(strings.NewReader("data: {\"a\":\ndata: 1}\n\n"))

	f, err := fr.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if got := strings.Join(f.data, "\n"); got != "{\"a\":\n1}" {
		t.Errorf("data = %q", got)
	}
}

func TestFrameReaderStripsCarriageReturns(t *testing.T) {
	fr := newFrameReader(strings.NewReader("event: done\r\ndata: {}\r\n\r\n"))

	f, err := fr.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if f.name != "done" {
		t.Errorf("name = %q, want %q", f.name, "done")
	}
	if len(f.data) != 1 || f.data[0] != "{}" {
		t.Errorf("data = %q", f.data)
	}
}

func TestFrameReaderDiscardsUnterminatedFrame(t *testing.T) {
	// Streams cut off mid-frame must not emit the partial frame.
	fr := newFrameReader(strings.NewReader("data: {\"type\":\"progress\"}"))

	if f, err := fr.next(); err != io.EOF {
		t.Fatalf("next() = (%+v, %v), want io.EOF", f, err)
	}
}

func TestFrameReaderIgnoresUnknownFieldsAndBadIDs(t *testing.T) {
	fr := newFrameReader(strings.NewReader(strings.Join([]string{
		"id: bad\x00id",
		"custom: ignored",
		"retry: notanumber",
		"data: {}",
		"",
	}, "\n")))

	f, err := fr.next()
	if err != nil {
		t.Fatalf("next() error = %v", err)
	}
	if f.id != "" {
		t.Errorf("id with NUL byte should be ignored, got %q", f.id)
	}
	if f.retry != 0 {
		t.Errorf("unparseable retry should be ignored, got %v", f.retry)
	}
}

func TestDecodeEventTypeDiscriminator(t *testing.T) {
	now := time.Now()
	tests := []struct {
		desc     string
		frame    frame
		wantType string
	}{
		{
			desc:     "payload type wins",
			frame:    frame{name: "update", data: []string{`{"type":"progress","percent":50}`}},
			wantType: "progress",
		},
		{
			desc:     "falls back to event name",
			frame:    frame{name: "status", data: []string{`{"percent":50}`}},
			wantType: "status",
		},
		{
			desc:     "defaults to message",
			frame:    frame{data: []string{`{"percent":50}`}},
			wantType: "message",
		},
		{
			desc:     "non-object payload uses event name",
			frame:    frame{name: "tick", data: []string{`[1,2,3]`}},
			wantType: "tick",
		},
	}

	for _, tt := range tests {
		evt, ok := decodeEvent("task-1", &tt.frame, now)
		if !ok {
			t.Errorf("%s: decodeEvent rejected valid payload", tt.desc)
			continue
		}
		if evt.Type != tt.wantType {
			t.Errorf("%s: Type = %q, want %q", tt.desc, evt.Type, tt.wantType)
		}
		if evt.TaskID != "task-1" {
			t.Errorf("%s: TaskID = %q", tt.desc, evt.TaskID)
		}
	}
}

func TestDecodeEventRejectsMalformedPayload(t *testing.T) {
	f := frame{data: []string{"this is not json"}}
	if _, ok := decodeEvent("task-1", &f, time.Now()); ok {
		t.Fatal("decodeEvent accepted a non-JSON payload")
	}
}
