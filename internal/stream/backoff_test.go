package stream

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := bo.next(); got != w {
			t.Errorf("attempt %d: next() = %v, want %v", i+1, got, w)
		}
	}
	if bo.attempts() != len(want) {
		t.Errorf("attempts() = %d, want %d", bo.attempts(), len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)
	bo.next()
	bo.next()
	bo.reset()

	if bo.attempts() != 0 {
		t.Errorf("attempts() after reset = %d, want 0", bo.attempts())
	}
	if got := bo.next(); got != time.Second {
		t.Errorf("next() after reset = %v, want 1s", got)
	}
}

func TestBackoffHintOverridesOnce(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)

	bo.setHint(5 * time.Second)
	if got := bo.next(); got != 5*time.Second {
		t.Errorf("next() with hint = %v, want 5s", got)
	}
	// The hint is spent; the schedule resumes where it left off.
	if got := bo.next(); got != 2*time.Second {
		t.Errorf("next() after hint = %v, want 2s", got)
	}
}

func TestBackoffHintClamped(t *testing.T) {
	bo := newBackoff(time.Second, 30*time.Second)

	bo.setHint(time.Millisecond)
	if got := bo.next(); got != minRetryHint {
		t.Errorf("tiny hint = %v, want %v", got, minRetryHint)
	}

	bo.setHint(10 * time.Minute)
	if got := bo.next(); got != 30*time.Second {
		t.Errorf("huge hint = %v, want 30s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	bo := newBackoff(0, 0)
	if bo.base != time.Second {
		t.Errorf("base = %v, want 1s", bo.base)
	}
	if bo.maxDelay != time.Second {
		t.Errorf("maxDelay = %v, want base", bo.maxDelay)
	}
}
