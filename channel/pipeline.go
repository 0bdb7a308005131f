package channel

import "github.com/joeycumines/go-mqttpipe/mqtterr"

// handlerContext is one node of the pipeline's doubly-linked handler chain,
// and also implements Context so a handler method can continue propagation
// by calling the Fire*/Write/Close methods on the context it was given.
type handlerContext struct {
	pipeline *Pipeline
	name     string
	handler  Handler
	prev     *handlerContext
	next     *handlerContext
}

func (hc *handlerContext) Channel() *Channel { return hc.pipeline.channel }
func (hc *handlerContext) Name() string      { return hc.name }

func (hc *handlerContext) nextInbound() *handlerContext { return hc.next }

func (hc *handlerContext) nextOutbound() *handlerContext { return hc.prev }

func (hc *handlerContext) FireChannelRegistered() {
	if n := hc.nextInbound(); n != nil {
		n.handler.ChannelRegistered(n)
	}
}

func (hc *handlerContext) FireChannelActive() {
	if n := hc.nextInbound(); n != nil {
		n.handler.ChannelActive(n)
	}
}

func (hc *handlerContext) FireChannelInactive() {
	if n := hc.nextInbound(); n != nil {
		n.handler.ChannelInactive(n)
	}
}

func (hc *handlerContext) FireChannelRead(msg any) {
	if n := hc.nextInbound(); n != nil {
		n.handler.ChannelRead(n, msg)
	}
}

func (hc *handlerContext) FireChannelReadComplete() {
	if n := hc.nextInbound(); n != nil {
		n.handler.ChannelReadComplete(n)
	}
}

func (hc *handlerContext) FireExceptionCaught(err error) {
	if n := hc.nextInbound(); n != nil {
		n.handler.ExceptionCaught(n, err)
	} else if hc.pipeline.channel.logger != nil {
		hc.pipeline.channel.logger.Err().Err(err).Log("exception reached end of pipeline unhandled")
	}
}

func (hc *handlerContext) FireUserEvent(evt any) {
	if n := hc.nextInbound(); n != nil {
		n.handler.UserEvent(n, evt)
	}
}

func (hc *handlerContext) Write(msg any, promise func(error)) {
	if p := hc.nextOutbound(); p != nil {
		p.handler.Write(p, msg, promise)
		return
	}
	if promise != nil {
		promise(mqtterr.ErrHandlerNotFound)
	}
}

func (hc *handlerContext) Flush() {
	if p := hc.nextOutbound(); p != nil {
		p.handler.Flush(p)
	}
}

func (hc *handlerContext) Read() {
	if p := hc.nextOutbound(); p != nil {
		p.handler.Read(p)
	}
}

func (hc *handlerContext) Close(promise func(error)) {
	if p := hc.nextOutbound(); p != nil {
		p.handler.Close(p, promise)
		return
	}
	if promise != nil {
		promise(mqtterr.ErrHandlerNotFound)
	}
}

// headHandler is the pipeline's transport-facing sentinel: outbound writes
// terminate here by handing bytes to the transport, and it's the first
// handler to receive inbound events.
type headHandler struct {
	DefaultInboundHandler
	channel *Channel
}

func (h *headHandler) Write(ctx Context, msg any, promise func(error)) {
	b, ok := msg.([]byte)
	if !ok {
		if promise != nil {
			promise(mqtterr.NewEncoderError("head handler received a non-[]byte outbound message; insert a codec handler before the head", nil))
		}
		return
	}
	err := h.channel.transport.WriteBytes(b)
	if promise != nil {
		promise(err)
	}
}

func (h *headHandler) Close(ctx Context, promise func(error)) {
	err := h.channel.transport.CloseTransport()
	h.channel.notifyInactive()
	if promise != nil {
		promise(err)
	}
}

// Flush and Read terminate at the head: a transport that doesn't implement
// the corresponding optional capability (Flusher/ReadRequester) simply has
// no further outbound action to take, matching "unknown options are
// logged, not fatal" — an unsupported capability is a silent no-op rather
// than an error.
func (h *headHandler) Flush(ctx Context) {
	if f, ok := h.channel.transport.(Flusher); ok {
		_ = f.FlushTransport()
	}
}

func (h *headHandler) Read(ctx Context) {
	if r, ok := h.channel.transport.(ReadRequester); ok {
		r.RequestRead()
	}
}

// tailHandler is the pipeline's application-facing sentinel: any inbound
// event that reaches it without being consumed by an application handler
// is dropped (after being logged for exception events, handled above in
// FireExceptionCaught); outbound calls from here reach nextOutbound, i.e.
// the last application-installed handler, or fall through to head.
type tailHandler struct {
	DefaultInboundHandler
	DefaultOutboundHandler
}

// Pipeline is the ordered chain of handlers between a Channel's transport
// and its application code. The zero-value head/tail sentinels are never
// exposed by name; Names() lists only application-installed handlers.
type Pipeline struct {
	channel *Channel
	head    *handlerContext
	tail    *handlerContext
	byName  map[string]*handlerContext
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{channel: ch, byName: make(map[string]*handlerContext)}
	head := &handlerContext{pipeline: p, name: "head", handler: &headHandler{channel: ch}}
	tail := &handlerContext{pipeline: p, name: "tail", handler: &tailHandler{}}
	head.next = tail
	tail.prev = head
	p.head, p.tail = head, tail
	return p
}

// Names returns the names of every application-installed handler, in
// pipeline order (head-relative, i.e. inbound processing order).
func (p *Pipeline) Names() []string {
	var names []string
	for hc := p.head.next; hc != p.tail; hc = hc.next {
		names = append(names, hc.name)
	}
	return names
}

func (p *Pipeline) insertAfter(after *handlerContext, name string, h Handler) error {
	if _, exists := p.byName[name]; exists {
		return mqtterr.ErrHandlerNameTaken
	}
	hc := &handlerContext{pipeline: p, name: name, handler: h}
	before := after.next
	hc.prev = after
	hc.next = before
	after.next = hc
	before.prev = hc
	p.byName[name] = hc
	return nil
}

// AddFirst inserts h immediately after the head sentinel (first to see
// inbound events, last to see outbound ones).
func (p *Pipeline) AddFirst(name string, h Handler) error {
	return p.insertAfter(p.head, name, h)
}

// AddLast inserts h immediately before the tail sentinel (last to see
// inbound events, first to see outbound ones).
func (p *Pipeline) AddLast(name string, h Handler) error {
	return p.insertAfter(p.tail.prev, name, h)
}

// AddBefore inserts h immediately before the handler named target.
func (p *Pipeline) AddBefore(target, name string, h Handler) error {
	hc, ok := p.byName[target]
	if !ok {
		return mqtterr.ErrHandlerNotFound
	}
	return p.insertAfter(hc.prev, name, h)
}

// AddAfter inserts h immediately after the handler named target.
func (p *Pipeline) AddAfter(target, name string, h Handler) error {
	hc, ok := p.byName[target]
	if !ok {
		return mqtterr.ErrHandlerNotFound
	}
	return p.insertAfter(hc, name, h)
}

// Remove unlinks the handler named name from the pipeline.
func (p *Pipeline) Remove(name string) error {
	hc, ok := p.byName[name]
	if !ok {
		return mqtterr.ErrHandlerNotFound
	}
	hc.prev.next = hc.next
	hc.next.prev = hc.prev
	delete(p.byName, name)
	return nil
}

// Replace swaps the handler named name for h in place, preserving position.
func (p *Pipeline) Replace(name string, h Handler) error {
	hc, ok := p.byName[name]
	if !ok {
		return mqtterr.ErrHandlerNotFound
	}
	hc.handler = h
	return nil
}

// Get returns the handler currently registered under name, if any.
func (p *Pipeline) Get(name string) (Handler, bool) {
	hc, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return hc.handler, true
}

func (p *Pipeline) run(fn func()) {
	if p.channel.loop == nil || p.channel.loop.OnLoopThread() {
		fn()
		return
	}
	_ = p.channel.loop.Submit(fn)
}

func (p *Pipeline) fireChannelRegistered() {
	p.run(func() { p.head.handler.ChannelRegistered(p.head) })
}

func (p *Pipeline) fireChannelActive() {
	p.run(func() { p.head.handler.ChannelActive(p.head) })
}

func (p *Pipeline) fireChannelInactive() {
	p.run(func() { p.head.handler.ChannelInactive(p.head) })
}

func (p *Pipeline) fireChannelRead(msg any) {
	p.run(func() { p.head.handler.ChannelRead(p.head, msg) })
}

func (p *Pipeline) fireChannelReadComplete() {
	p.run(func() { p.head.handler.ChannelReadComplete(p.head) })
}

func (p *Pipeline) fireExceptionCaught(err error) {
	p.run(func() { p.head.handler.ExceptionCaught(p.head, err) })
}

func (p *Pipeline) write(msg any, promise func(error)) {
	p.run(func() { p.tail.handler.Write(p.tail, msg, promise) })
}

func (p *Pipeline) close(promise func(error)) {
	p.run(func() { p.tail.handler.Close(p.tail, promise) })
}

func (p *Pipeline) read() {
	p.run(func() { p.tail.handler.Read(p.tail) })
}

func (p *Pipeline) flush() {
	p.run(func() { p.tail.handler.Flush(p.tail) })
}
