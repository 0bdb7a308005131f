package mqtt

import (
	"errors"
	"time"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/metrics"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

const initialAccumulatorSize = 4096

// CodecHandler is a channel.Handler bridging raw transport bytes to/from
// Packet values: inbound []byte is accumulated and handed to a Decoder,
// emitting decoded Packets further down the pipeline; outbound Packets are
// run through Encode and the resulting buffers written onward as []byte.
// A nil metrics.Sink disables all reporting, matching the rest of this
// module's nil-is-silent convention. The Decoder's direction and message-
// size ceiling are taken from the owning Channel's configuration at
// channel-registered time rather than duplicated as constructor
// parameters, so a CodecHandler installed via channel.WithServerRole/
// WithMaxMessageSize automatically matches the channel it's attached to.
type CodecHandler struct {
	channel.DefaultOutboundHandler

	dec     *Decoder
	acc     *buf.Buffer
	metrics metrics.Sink
}

// NewCodecHandler builds a CodecHandler. sink may be nil.
func NewCodecHandler(sink metrics.Sink) *CodecHandler {
	return &CodecHandler{
		acc:     buf.Allocate(initialAccumulatorSize),
		metrics: sink,
	}
}

func (h *CodecHandler) ChannelRegistered(ctx channel.Context) {
	ch := ctx.Channel()
	h.dec = NewDecoder(ch.IsServer(), ch.MaxMessageSize())
	ctx.FireChannelRegistered()
}
func (h *CodecHandler) ChannelActive(ctx channel.Context)     { ctx.FireChannelActive() }
func (h *CodecHandler) ChannelInactive(ctx channel.Context) {
	h.acc.Release()
	ctx.FireChannelInactive()
}
func (h *CodecHandler) ChannelReadComplete(ctx channel.Context) { ctx.FireChannelReadComplete() }
func (h *CodecHandler) ExceptionCaught(ctx channel.Context, err error) {
	ctx.FireExceptionCaught(err)
}
func (h *CodecHandler) UserEvent(ctx channel.Context, evt any) { ctx.FireUserEvent(evt) }

// ChannelRead accumulates raw bytes and emits every Packet the Decoder
// completes from them. A non-[]byte message passes through unchanged,
// letting a handler re-inject an already-decoded Packet further down the
// pipeline (e.g. the embedded test channel's WriteInbound with a Packet
// value instead of raw bytes).
func (h *CodecHandler) ChannelRead(ctx channel.Context, msg any) {
	raw, ok := msg.([]byte)
	if !ok {
		ctx.FireChannelRead(msg)
		return
	}
	h.ensureRoom(len(raw))
	_ = h.acc.WriteBytes(raw)

	err := h.dec.Decode(h.acc, func(pkt Packet) {
		if h.metrics != nil {
			h.metrics.IncCounter("packets_decoded_total", map[string]string{"type": pkt.Type().String()})
		}
		ctx.FireChannelRead(pkt)
	})
	if err != nil {
		if h.metrics != nil {
			var de *mqtterr.DecoderError
			code := "unknown"
			if errors.As(err, &de) {
				code = de.Code.String()
			}
			h.metrics.IncCounter("decode_errors_total", map[string]string{"code": code})
		}
		ctx.FireExceptionCaught(err)
	}
}

// ensureRoom grows the accumulator by compacting its unread [reader,
// writer) window down to a fresh buffer starting at reader index 0. That
// shifts every absolute index into the accumulator back by the old reader
// position, including the decoder's internal replay checkpoint, so the
// decoder is told about the shift via Compact before the old accumulator
// is released.
func (h *CodecHandler) ensureRoom(n int) {
	if h.acc.WritableBytes() >= n {
		return
	}
	readable := h.acc.ReadableBytes()
	needed := readable + n
	size := h.acc.Capacity() * 2
	if size < needed {
		size = needed
	}
	delta := h.acc.ReaderIndex()
	fresh := buf.Allocate(size)
	_ = fresh.WriteBytes(h.acc.Bytes())
	h.acc.Release()
	h.acc = fresh
	h.dec.Compact(delta)
}

// Write encodes pkt and forwards each resulting buffer onward as []byte.
// Non-Packet messages pass through unchanged. promise, if non-nil, is
// invoked once for the whole packet (attached to the last buffer written),
// not once per buffer.
func (h *CodecHandler) Write(ctx channel.Context, msg any, promise func(error)) {
	pkt, ok := msg.(Packet)
	if !ok {
		ctx.Write(msg, promise)
		return
	}

	start := time.Now()
	enc, err := Encode(pkt)
	if h.metrics != nil {
		h.metrics.ObserveHistogram("encode_duration_seconds", nil, time.Since(start).Seconds())
	}
	if err != nil {
		if promise != nil {
			promise(err)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.IncCounter("packets_encoded_total", map[string]string{"type": pkt.Type().String()})
	}

	buffers := enc.Buffers()
	for i, b := range buffers {
		data := append([]byte(nil), b.Bytes()...)
		b.Release()
		if i == len(buffers)-1 {
			ctx.Write(data, promise)
		} else {
			ctx.Write(data, nil)
		}
	}
}
