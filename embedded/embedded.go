// Package embedded implements component H: a synchronous, in-memory
// Channel whose transport is two queues instead of a socket, driven by an
// explicit tick rather than a goroutine-owned event loop. It exists so
// tests can push bytes or packets through the real pipeline/codec stack
// (components A-G) without any actual I/O, matching the teacher monorepo's
// own preference for a deterministic, manually-driven scheduler in its
// test suites (eventloop's loopTestHooks) adapted here to drive a
// loop.Loop tick-by-tick instead of letting Run own a goroutine.
package embedded

import (
	"time"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/loop"
)

// Identity is the fixed short/long text identity every embedded channel
// reports from Channel.ID. The wrapped channel.Channel keeps its own
// generated ID.
const Identity = "embedded"

// Channel is an in-memory Channel for tests: write_inbound/write_outbound
// push data into the pipeline as if received from, or destined for, a real
// transport; read_inbound/read_outbound pop whatever reached the opposite
// end. The embedded event loop is driven manually via RunPendingTasks/
// RunScheduledPendingTasks — no goroutine is ever spawned.
type Channel struct {
	ch        *channel.Channel
	lp        *loop.Loop
	transport *embeddedTransport

	inboundMessages []any // captured from the end of the inbound pipeline
}

// sinkHandler is installed as the last application handler so any message
// an application handler doesn't otherwise consume is captured for
// ReadInbound rather than silently dropped by the tail sentinel.
type sinkHandler struct {
	channel.DefaultOutboundHandler
	ec *Channel
}

func (s *sinkHandler) ChannelRegistered(ctx channel.Context) { ctx.FireChannelRegistered() }
func (s *sinkHandler) ChannelActive(ctx channel.Context)     { ctx.FireChannelActive() }
func (s *sinkHandler) ChannelInactive(ctx channel.Context)   { ctx.FireChannelInactive() }
func (s *sinkHandler) ChannelReadComplete(ctx channel.Context) {
	ctx.FireChannelReadComplete()
}
func (s *sinkHandler) ExceptionCaught(ctx channel.Context, err error) {
	ctx.FireExceptionCaught(err)
}
func (s *sinkHandler) UserEvent(ctx channel.Context, evt any) { ctx.FireUserEvent(evt) }

// ChannelRead absorbs the message: it does not forward further, so nothing
// reaches the real tail sentinel. This is the "surfaces them" half of
// spec.md's "releases ref-counted messages or surfaces them" tail-sentinel
// choice — embedded channels are for tests, which want to inspect
// messages, not have them silently released.
func (s *sinkHandler) ChannelRead(ctx channel.Context, msg any) {
	s.ec.inboundMessages = append(s.ec.inboundMessages, msg)
}

// NamedHandler pairs a handler with the pipeline name it should be
// installed under, for handlers that must be present before Register
// fires channel-registered/channel-active (anything that initializes
// itself from the Channel's configuration in ChannelRegistered, such as
// mqtt.CodecHandler).
type NamedHandler struct {
	Name    string
	Handler channel.Handler
}

// New constructs an embedded Channel, installs handlers (application
// handlers ahead of the embedded sink, in order) and registers it —
// manual-drive mode: the returned loop.Loop is never Run on a goroutine,
// so Register's pipeline firing happens synchronously inline, exactly as
// Netty's EmbeddedChannel registers immediately in its constructor after
// installing the handlers passed to it.
func New(handlers []NamedHandler, opts ...channel.Option) (*Channel, error) {
	lp, err := loop.New()
	if err != nil {
		return nil, err
	}
	tr := &embeddedTransport{}
	ch := channel.New(lp, tr, opts...)
	ec := &Channel{ch: ch, lp: lp, transport: tr}
	for _, nh := range handlers {
		if err := ch.Pipeline().AddLast(nh.Name, nh.Handler); err != nil {
			return nil, err
		}
	}
	if err := ch.Pipeline().AddLast("embedded-sink", &sinkHandler{ec: ec}); err != nil {
		return nil, err
	}
	ch.Register()
	return ec, nil
}

// Channel returns the underlying Channel so callers can install handlers,
// inspect configuration, or call Write/Close directly.
func (e *Channel) Channel() *channel.Channel { return e.ch }

// ID returns Identity, the fixed identity of every embedded channel.
func (e *Channel) ID() string { return Identity }

// Loop returns the embedded Loop, for callers that want to Schedule timers
// directly and drive them via RunScheduledPendingTasks.
func (e *Channel) Loop() *loop.Loop { return e.lp }

// WriteInbound pushes each of msgs through the pipeline as if it had just
// been read from the transport (one channel-read-complete per message,
// matching Channel.WriteInbound).
func (e *Channel) WriteInbound(msgs ...any) {
	for _, m := range msgs {
		e.ch.WriteInbound(m)
	}
	e.RunPendingTasks()
}

// WriteOutbound writes each of msgs through the pipeline's outbound
// direction and flushes, capturing whatever reaches the transport for
// ReadOutbound. It then issues exactly one read-demand request regardless
// of the channel's auto_read setting: an outbound round-trip through the
// embedded channel always gives any auto_read=false handler one chance to
// pull its next inbound batch, the same "request read once per write" pump
// Netty's EmbeddedChannel performs so a write made from inside a handler
// doesn't stall a manually-paced reader forever.
func (e *Channel) WriteOutbound(msgs ...any) {
	for _, m := range msgs {
		e.ch.Write(m, nil)
	}
	e.ch.Flush()
	e.ch.Read()
	e.RunPendingTasks()
}

// ReadInbound pops the oldest message captured at the end of the inbound
// pipeline, or nil if none is available.
func (e *Channel) ReadInbound() any {
	if len(e.inboundMessages) == 0 {
		return nil
	}
	m := e.inboundMessages[0]
	e.inboundMessages = e.inboundMessages[1:]
	return m
}

// ReadOutbound pops the oldest []byte written to the transport, or nil if
// none is available.
func (e *Channel) ReadOutbound() []byte {
	return e.transport.readOutbound()
}

// ReadRequests reports how many times the pipeline has asked the
// transport for more inbound data, for tests asserting the auto_read
// regression property.
func (e *Channel) ReadRequests() int { return e.transport.readRequests }

// RunPendingTasks drains the embedded loop's ready task queue.
func (e *Channel) RunPendingTasks() int { return e.lp.RunTasks() }

// RunScheduledPendingTasks runs every timer due at or before now and
// reports the next still-pending deadline, if any.
func (e *Channel) RunScheduledPendingTasks(now time.Time) (time.Time, bool) {
	next, ok := e.lp.RunScheduledTasks(now)
	e.RunPendingTasks()
	return next, ok
}

// Finish closes the channel and releases any buffer-typed messages left
// unread in either direction, matching Netty's EmbeddedChannel.finish()
// contract of not leaking what the test never consumed. It reports whether
// either queue still held something at the time of the call.
func (e *Channel) Finish() bool {
	hadPending := len(e.inboundMessages) > 0 || len(e.transport.outbound) > 0

	var closeErr error
	e.ch.Close(func(err error) { closeErr = err })
	e.RunPendingTasks()
	_ = closeErr

	for _, m := range e.inboundMessages {
		releaseIfBuffer(m)
	}
	e.inboundMessages = nil
	for _, b := range e.transport.outbound {
		b := b
		_ = b // raw []byte, nothing to release
	}
	e.transport.outbound = nil

	return hadPending
}

func releaseIfBuffer(m any) {
	if b, ok := m.(*buf.Buffer); ok {
		b.Release()
	}
}

// embeddedTransport is the in-memory Transport backing an embedded
// Channel: WriteBytes/FlushTransport capture outbound bytes instead of
// writing to a socket, and RequestRead just counts demand (there is no
// backing source to pull from — inbound data always arrives via
// Channel.WriteInbound, a push rather than a pull).
type embeddedTransport struct {
	outbound     [][]byte
	closed       bool
	readRequests int
}

func (t *embeddedTransport) WriteBytes(b []byte) error {
	cp := append([]byte(nil), b...)
	t.outbound = append(t.outbound, cp)
	return nil
}

func (t *embeddedTransport) FlushTransport() error { return nil }

func (t *embeddedTransport) RequestRead() { t.readRequests++ }

func (t *embeddedTransport) CloseTransport() error {
	t.closed = true
	return nil
}

func (t *embeddedTransport) readOutbound() []byte {
	if len(t.outbound) == 0 {
		return nil
	}
	b := t.outbound[0]
	t.outbound = t.outbound[1:]
	return b
}
