package channel

// Context is passed to every handler method, giving it access to the
// channel and the ability to continue propagating the current event (or
// a replacement) further along the pipeline, or to initiate outbound
// actions independent of the event that triggered the call.
type Context interface {
	// Channel returns the channel this context belongs to.
	Channel() *Channel

	// Name returns this handler's name within the pipeline.
	Name() string

	// FireChannelRegistered continues propagation of a channel-registered
	// event to the next inbound handler.
	FireChannelRegistered()
	// FireChannelActive continues propagation of a channel-active event.
	FireChannelActive()
	// FireChannelInactive continues propagation of a channel-inactive event.
	FireChannelInactive()
	// FireChannelRead continues propagation of an inbound message.
	FireChannelRead(msg any)
	// FireChannelReadComplete signals the end of one read batch.
	FireChannelReadComplete()
	// FireExceptionCaught continues propagation of an inbound error.
	FireExceptionCaught(err error)
	// FireUserEvent continues propagation of an arbitrary inbound event.
	FireUserEvent(evt any)

	// Write continues propagation of an outbound message toward the
	// transport, invoking promise's callback (if non-nil) once the
	// transport has accepted or rejected it.
	Write(msg any, promise func(error))
	// Flush continues propagation of a flush request toward the transport.
	Flush()
	// Read continues propagation of a read-demand request toward the
	// transport, asking it to produce more inbound data.
	Read()
	// Close continues propagation of a close request toward the
	// transport.
	Close(promise func(error))
}

// InboundHandler receives events flowing from the transport toward the
// application (head to tail of the pipeline). A handler only needs to
// implement the methods it cares about; DefaultInboundHandler supplies the
// pass-through default for the rest via embedding.
type InboundHandler interface {
	ChannelRegistered(ctx Context)
	ChannelActive(ctx Context)
	ChannelInactive(ctx Context)
	ChannelRead(ctx Context, msg any)
	ChannelReadComplete(ctx Context)
	ExceptionCaught(ctx Context, err error)
	UserEvent(ctx Context, evt any)
}

// OutboundHandler receives events flowing from the application toward the
// transport (tail to head of the pipeline).
type OutboundHandler interface {
	Write(ctx Context, msg any, promise func(error))
	Flush(ctx Context)
	Read(ctx Context)
	Close(ctx Context, promise func(error))
}

// Handler combines both directions; most pipeline stages implement both,
// even if one direction is pure pass-through via the Default* embeds.
type Handler interface {
	InboundHandler
	OutboundHandler
}

// DefaultInboundHandler implements InboundHandler by forwarding every event
// unchanged to the next handler, so embedding types only override what they
// actually need to act on — the same "adapter" idiom Netty-style pipelines
// use, adapted to Go's embedding instead of abstract base classes.
type DefaultInboundHandler struct{}

func (DefaultInboundHandler) ChannelRegistered(ctx Context)     { ctx.FireChannelRegistered() }
func (DefaultInboundHandler) ChannelActive(ctx Context)         { ctx.FireChannelActive() }
func (DefaultInboundHandler) ChannelInactive(ctx Context)       { ctx.FireChannelInactive() }
func (DefaultInboundHandler) ChannelRead(ctx Context, msg any)  { ctx.FireChannelRead(msg) }
func (DefaultInboundHandler) ChannelReadComplete(ctx Context)   { ctx.FireChannelReadComplete() }
func (DefaultInboundHandler) ExceptionCaught(ctx Context, err error) {
	ctx.FireExceptionCaught(err)
}
func (DefaultInboundHandler) UserEvent(ctx Context, evt any) { ctx.FireUserEvent(evt) }

// DefaultOutboundHandler implements OutboundHandler by forwarding every
// call unchanged to the next handler.
type DefaultOutboundHandler struct{}

func (DefaultOutboundHandler) Write(ctx Context, msg any, promise func(error)) {
	ctx.Write(msg, promise)
}
func (DefaultOutboundHandler) Flush(ctx Context) { ctx.Flush() }
func (DefaultOutboundHandler) Read(ctx Context)  { ctx.Read() }
func (DefaultOutboundHandler) Close(ctx Context, promise func(error)) {
	ctx.Close(promise)
}
