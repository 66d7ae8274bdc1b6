package stream

import "time"

// minRetryHint bounds server retry hints from below so a hostile or
// misconfigured upstream cannot make us hammer it.
const minRetryHint = 100 * time.Millisecond

// backoff produces exponentially growing reconnect delays. A server retry
// hint, when present, overrides the computed delay exactly once.
type backoff struct {
	base     time.Duration
	maxDelay time.Duration
	attempt  int
	hint     time.Duration
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &backoff{base: base, maxDelay: maxDelay}
}

// next returns the delay before the following connection attempt and
// advances the attempt counter.
func (b *backoff) next() time.Duration {
	b.attempt++
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		if d < minRetryHint {
			d = minRetryHint
		}
		if d > b.maxDelay {
			d = b.maxDelay
		}
		return d
	}

	shift := b.attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := b.base << shift
	if d <= 0 || d > b.maxDelay {
		d = b.maxDelay
	}
	return d
}

// setHint records a server-provided retry delay to use for the next attempt.
func (b *backoff) setHint(d time.Duration) {
	if d > 0 {
		b.hint = d
	}
}

// reset clears the attempt counter after a session proved healthy. The
// pending server hint, if any, survives the reset.
func (b *backoff) reset() {
	b.attempt = 0
}

// attempts reports how many delays have been handed out since the last reset.
func (b *backoff) attempts() int {
	return b.attempt
}
