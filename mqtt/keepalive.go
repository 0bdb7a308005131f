package mqtt

import (
	"errors"
	"time"

	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/loop"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// KeepAliveHandler demonstrates a PINGREQ/PINGRESP round trip built purely
// from the pipeline and codec primitives: it sends PINGREQ on interval,
// answers an inbound PINGREQ with PINGRESP when installed on a server
// channel, and closes the channel if maxMissed consecutive pings go
// unanswered. It is not wired into any default pipeline — a caller adds it
// explicitly with channel.Pipeline.AddLast, after a CodecHandler so it sees
// decoded Packet values rather than raw bytes.
type KeepAliveHandler struct {
	channel.DefaultOutboundHandler

	interval  time.Duration
	maxMissed int

	missed int
	timer  *loop.Timer
}

// NewKeepAliveHandler builds a KeepAliveHandler that pings every interval
// and gives up after maxMissed consecutive unanswered pings.
func NewKeepAliveHandler(interval time.Duration, maxMissed int) *KeepAliveHandler {
	return &KeepAliveHandler{interval: interval, maxMissed: maxMissed}
}

func (k *KeepAliveHandler) ChannelRegistered(ctx channel.Context) { ctx.FireChannelRegistered() }

func (k *KeepAliveHandler) ChannelActive(ctx channel.Context) {
	k.reschedule(ctx)
	ctx.FireChannelActive()
}

func (k *KeepAliveHandler) ChannelInactive(ctx channel.Context) {
	if k.timer != nil {
		k.timer.Cancel()
		k.timer = nil
	}
	ctx.FireChannelInactive()
}

func (k *KeepAliveHandler) ChannelReadComplete(ctx channel.Context) { ctx.FireChannelReadComplete() }
func (k *KeepAliveHandler) ExceptionCaught(ctx channel.Context, err error) {
	ctx.FireExceptionCaught(err)
}
func (k *KeepAliveHandler) UserEvent(ctx channel.Context, evt any) { ctx.FireUserEvent(evt) }

// ChannelRead resets the missed-ping counter on an inbound PINGRESP, and
// answers an inbound PINGREQ directly when this channel is the server side.
// Either way the packet is still forwarded, since a keep-alive handler
// observes traffic rather than owning it.
func (k *KeepAliveHandler) ChannelRead(ctx channel.Context, msg any) {
	switch msg.(type) {
	case PingResp:
		k.missed = 0
	case PingReq:
		if ctx.Channel().IsServer() {
			ctx.Write(PingResp{}, nil)
		}
	}
	ctx.FireChannelRead(msg)
}

func (k *KeepAliveHandler) reschedule(ctx channel.Context) {
	timer, err := ctx.Channel().Loop().Schedule(k.interval, func() { k.onTick(ctx) })
	if err != nil {
		return
	}
	k.timer = timer
}

func (k *KeepAliveHandler) onTick(ctx channel.Context) {
	if !ctx.Channel().IsActive() {
		return
	}
	if k.missed >= k.maxMissed {
		ctx.FireExceptionCaught(mqtterr.NewTransportError("keepalive", errors.New("peer did not respond to PINGREQ")))
		ctx.Close(nil)
		return
	}
	k.missed++
	ctx.Write(PingReq{}, nil)
	ctx.Flush()
	k.reschedule(ctx)
}
