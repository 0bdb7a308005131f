// Package decoder implements component D: a replaying, checkpointable
// decode loop that can be fed fragments of a byte stream one chunk at a
// time, re-running a stateful decode routine from its last checkpoint
// whenever the currently available bytes run out mid-packet.
//
// The pattern is grounded on the cooperative, re-entrant style the teacher
// monorepo uses for anything that must survive partial progress and retry
// without losing state — most directly eventloop's timer/microtask retry
// bookkeeping (run-to-completion units that checkpoint and get re-driven),
// adapted here to streaming byte decoding instead of task scheduling.
package decoder

import (
	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// State is an opaque, decoder-defined marker for "how far into a multi-step
// decode I've gotten." Concrete decoders (mqtt.Decoder) define their own
// State implementations, typically small enums plus captured partial
// fields.
type State any

// Step is one decode routine's single attempt to make progress given the
// bytes currently available in acc. It returns exactly one of:
//   - a decoded frame (done == true, frame non-nil, err == nil)
//   - mqtterr.ErrNeedMoreBytes() (err non-nil, NeedMoreBytes(err) true):
//     the routine ran out of bytes and must be re-invoked once more data
//     has arrived, resuming from the last Checkpoint
//   - any other non-nil err: a fatal, unrecoverable decode failure
type Step func(r *Replaying, acc *buf.Buffer) (frame any, done bool, err error)

// Replaying drives a Step function across fragmented reads, implementing
// the checkpoint/replay contract: RequestReplay resets the accumulator's
// reader cursor back to the last Checkpoint before returning
// mqtterr.ErrNeedMoreBytes() from within a Step, so the next invocation
// re-parses from a consistent boundary instead of a half-consumed field.
type Replaying struct {
	step       Step
	checkpoint int
	state      State
	failed     error
}

// New constructs a Replaying decoder driven by step.
func New(step Step) *Replaying {
	return &Replaying{step: step}
}

// State returns the decoder-defined state set by the last call to SetState.
func (r *Replaying) State() State { return r.state }

// SetState stores decoder-defined state, typically called immediately
// after a successful Checkpoint once a routine has determined which
// sub-step comes next.
func (r *Replaying) SetState(s State) { r.state = s }

// Checkpoint records acc's current reader position as the point a future
// RequestReplay will roll back to. A decode routine calls this after each
// field it has fully and unambiguously consumed.
func (r *Replaying) Checkpoint(acc *buf.Buffer) {
	r.checkpoint = acc.ReaderIndex()
}

// RequestReplay rolls acc's reader cursor back to the last checkpoint and
// returns the internal need-more-bytes sentinel for the calling Step to
// return immediately.
func (r *Replaying) RequestReplay(acc *buf.Buffer) error {
	acc.SetReaderIndex(r.checkpoint)
	return mqtterr.ErrNeedMoreBytes()
}

// Compact shifts the recorded checkpoint back by delta. The checkpoint is
// an absolute reader index into the caller's accumulator; a caller that
// discards the already-read prefix of that accumulator (e.g. compacting
// into a larger replacement buffer when growing it) must report exactly
// how many bytes it dropped from the front, or a later RequestReplay would
// roll back to a position that no longer means what it used to.
func (r *Replaying) Compact(delta int) {
	r.checkpoint -= delta
	if r.checkpoint < 0 {
		r.checkpoint = 0
	}
}

// Failed reports whether this decoder has already produced a fatal error;
// once true, Decode refuses to make further progress (the BadMessage
// terminal state from the wire-format error taxonomy) rather than
// attempting to resynchronize on a stream that may no longer be aligned to
// frame boundaries.
func (r *Replaying) Failed() bool { return r.failed != nil }

// FailureCause returns the error that put this decoder into the terminal
// BadMessage state, if any.
func (r *Replaying) FailureCause() error { return r.failed }

// Decode attempts to produce as many complete frames as possible from the
// bytes currently accumulated in acc, calling emit for each. It returns a
// fatal error (also recorded via Failed/FailureCause) if the underlying
// Step routine ever returns anything other than a frame or a need-more-
// bytes signal; once that happens this Replaying is permanently done and
// the caller is expected to close the channel per the protocol's malformed-
// message handling.
func (r *Replaying) Decode(acc *buf.Buffer, emit func(frame any)) error {
	if r.failed != nil {
		return r.failed
	}
	for {
		start := acc.ReaderIndex()
		frame, done, err := r.step(r, acc)
		if err != nil {
			if mqtterr.NeedMoreBytes(err) {
				return nil
			}
			r.failed = err
			return err
		}
		if !done {
			// A Step that returns done==false with no error is a
			// programming error in the concrete decoder; treat it as
			// having made no progress to avoid spinning forever.
			if acc.ReaderIndex() == start {
				return nil
			}
			continue
		}
		emit(frame)
		if acc.ReadableBytes() == 0 {
			return nil
		}
	}
}
