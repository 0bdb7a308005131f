// Package channel implements component C: a Netty-style bidirectional
// event pipeline bound to a single event loop and a single underlying
// transport.
//
// The architecture generalizes the request/response and task-submission
// shapes found throughout the teacher monorepo (eventloop's Loop.Submit
// trampolining a callback onto the loop thread) into a full doubly-linked
// handler chain: inbound events travel head-to-tail (transport towards
// application), outbound events travel tail-to-head (application towards
// transport), and any call made from a goroutine other than the owning
// loop's is trampolined via loop.Submit rather than racing the pipeline.
package channel

import (
	"github.com/google/uuid"
	"github.com/joeycumines/go-mqttpipe/loop"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
	"github.com/joeycumines/go-mqttpipe/xlog"
)

// Transport is the minimal duplex byte-transport contract a Channel writes
// to and reads from. transport/tcp provides a net.Conn-backed
// implementation; the embedded test channel provides an in-memory one.
type Transport interface {
	// WriteBytes writes b to the underlying connection. It may be called
	// only from the channel's loop thread.
	WriteBytes(b []byte) error
	// CloseTransport closes the underlying connection.
	CloseTransport() error
}

// Flusher is an optional Transport capability: a transport that batches
// writes (e.g. a buffered net.Conn writer) implements this so the
// pipeline's outbound flush event has somewhere to go. A Transport that
// writes eagerly on every WriteBytes call need not implement it.
type Flusher interface {
	FlushTransport() error
}

// ReadRequester is an optional Transport capability: a transport driven by
// explicit read demand (rather than always pushing everything it receives)
// implements this so the pipeline's outbound read event can ask it to
// produce the next batch of inbound data.
type ReadRequester interface {
	RequestRead()
}

// Channel binds a Pipeline to a Loop and a Transport, and tracks the
// registered/active/closed lifecycle flags a handler may inspect via its
// Context.
type Channel struct {
	id       string
	loop     *loop.Loop
	pipeline *Pipeline
	transport Transport
	cfg      *config
	logger   *xlog.Logger

	registered bool
	active     bool
	closed     bool
}

// New constructs a Channel bound to l and t, with an empty pipeline ready
// for handlers to be added before Register is called.
func New(l *loop.Loop, t Transport, opts ...Option) *Channel {
	cfg := resolveConfig(opts)
	ch := &Channel{
		id:        uuid.New().String(),
		loop:      l,
		transport: t,
		cfg:       cfg,
		logger:    xlog.Or(cfg.logger),
	}
	ch.pipeline = newPipeline(ch)
	if ch.logger != nil {
		for k := range cfg.extra {
			ch.logger.Debug().Str("key", k).Log("unrecognised channel option stored as extra")
		}
	}
	return ch
}

// ID returns the channel's unique identity, stable for its lifetime.
func (c *Channel) ID() string { return c.id }

// Loop returns the event loop this channel is bound to.
func (c *Channel) Loop() *loop.Loop { return c.loop }

// Pipeline returns the channel's handler pipeline.
func (c *Channel) Pipeline() *Pipeline { return c.pipeline }

// IsServer reports whether this channel was configured as the server side
// of the connection.
func (c *Channel) IsServer() bool { return c.cfg.isServer }

// AutoRead reports whether the channel should request more inbound data
// automatically after each read completes.
func (c *Channel) AutoRead() bool { return c.cfg.autoRead }

// MaxMessageSize returns the configured ceiling on a decoded frame's total
// size (fixed header plus remaining length).
func (c *Channel) MaxMessageSize() uint32 { return c.cfg.maxMessageSize }

// Extra returns the opaque configuration value registered under key, and
// whether it was present.
func (c *Channel) Extra(key string) (any, bool) {
	if c.cfg.extra == nil {
		return nil, false
	}
	v, ok := c.cfg.extra[key]
	return v, ok
}

// IsRegistered reports whether Register has completed.
func (c *Channel) IsRegistered() bool { return c.registered }

// IsActive reports whether the channel is currently open and ready for
// traffic.
func (c *Channel) IsActive() bool { return c.active }

// IsClosed reports whether the channel has finished closing.
func (c *Channel) IsClosed() bool { return c.closed }

// Register binds the channel to its loop and fires channel-registered then
// channel-active through the pipeline. Must be called from the loop thread
// (or before the loop is running, in manual-drive/embedded mode).
func (c *Channel) Register() {
	if c.registered {
		return
	}
	c.registered = true
	c.pipeline.fireChannelRegistered()
	c.active = true
	c.pipeline.fireChannelActive()
	if c.cfg.metrics != nil {
		c.cfg.metrics.IncCounter("channels_opened_total", nil)
	}
	if c.cfg.autoRead {
		c.Read()
	}
}

// WriteInbound is called by the transport read loop to push newly-received
// bytes into the pipeline as a channel-read event, followed by a
// channel-read-complete event for the batch. When auto_read is enabled,
// completing a read batch immediately re-issues a read demand so the
// transport keeps pumping data without the application asking explicitly.
func (c *Channel) WriteInbound(msg any) {
	c.pipeline.fireChannelRead(msg)
	c.pipeline.fireChannelReadComplete()
	if c.cfg.autoRead {
		c.Read()
	}
}

// Read issues a read-demand request outbound through the pipeline, asking
// the transport to produce more inbound data. Handlers that pace their own
// reads (auto_read disabled) call this explicitly once they're ready for
// more.
func (c *Channel) Read() {
	c.pipeline.read()
}

// Flush issues a flush request outbound through the pipeline, asking the
// transport to send any writes it has batched so far.
func (c *Channel) Flush() {
	c.pipeline.flush()
}

// Write sends msg outbound through the pipeline toward the transport.
// promise, if non-nil, is invoked once the write has been accepted or
// rejected.
func (c *Channel) Write(msg any, promise func(error)) {
	if c.closed {
		if promise != nil {
			promise(mqtterr.ErrChannelClosed)
		}
		return
	}
	c.pipeline.write(msg, promise)
}

// Close sends a close request outbound through the pipeline. promise, if
// non-nil, is invoked once the transport has finished closing.
func (c *Channel) Close(promise func(error)) {
	if c.closed {
		if promise != nil {
			promise(nil)
		}
		return
	}
	c.pipeline.close(promise)
}

// notifyInactive is invoked by the pipeline's head context once the
// transport has actually closed, firing channel-inactive through the
// pipeline exactly once.
func (c *Channel) notifyInactive() {
	if !c.active {
		return
	}
	c.active = false
	c.closed = true
	if c.cfg.metrics != nil {
		c.cfg.metrics.IncCounter("channels_closed_total", nil)
	}
	c.pipeline.fireChannelInactive()
}

// FireExceptionCaught injects err as an inbound exception-caught event
// starting from the head of the pipeline, for use by the transport layer
// reporting a read/write failure.
func (c *Channel) FireExceptionCaught(err error) {
	c.pipeline.fireExceptionCaught(err)
}
