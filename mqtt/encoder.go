package mqtt

import (
	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// Encoded is the result of encoding one packet: one buffer for every
// variant except PUBLISH with a non-empty payload, which returns two — the
// fixed/variable header buffer, then the payload as a second, separately
// ref-counted buffer so it can be written to the transport without an
// intermediate copy.
type Encoded struct {
	Header  *buf.Buffer
	Payload *buf.Buffer // nil unless this is a PUBLISH carrying a non-empty payload
}

// Buffers returns the encoded output as a slice, in wire order, convenient
// for callers that just want to iterate and write every buffer in turn.
func (e Encoded) Buffers() []*buf.Buffer {
	if e.Payload == nil {
		return []*buf.Buffer{e.Header}
	}
	return []*buf.Buffer{e.Header, e.Payload}
}

// Encode serializes pkt to its exact MQTT 3.1.1 wire representation. On
// success the caller owns every returned buffer and must release it once
// written (or on a failed write). On failure, any buffer this call itself
// allocated has already been released; the caller owns nothing.
func Encode(pkt Packet) (Encoded, error) {
	switch p := pkt.(type) {
	case *Connect:
		return encodeConnect(p)
	case *ConnAck:
		return encodeConnAck(p)
	case *Publish:
		return encodePublish(p)
	case *PubAck:
		return encodeIDOnly(TypePubAck, p.PacketID)
	case *PubRec:
		return encodeIDOnly(TypePubRec, p.PacketID)
	case *PubRel:
		return encodeIDOnlyRawFlags(TypePubRel, 0x02, p.PacketID)
	case *PubComp:
		return encodeIDOnly(TypePubComp, p.PacketID)
	case *Subscribe:
		return encodeSubscribe(p)
	case *SubAck:
		return encodeSubAck(p)
	case *Unsubscribe:
		return encodeUnsubscribe(p)
	case *UnsubAck:
		return encodeIDOnly(TypeUnsubAck, p.PacketID)
	case PingReq:
		return encodeEmptyBody(TypePingReq)
	case *PingReq:
		return encodeEmptyBody(TypePingReq)
	case PingResp:
		return encodeEmptyBody(TypePingResp)
	case *PingResp:
		return encodeEmptyBody(TypePingResp)
	case Disconnect:
		return encodeEmptyBody(TypeDisconnect)
	case *Disconnect:
		return encodeEmptyBody(TypeDisconnect)
	default:
		return Encoded{}, mqtterr.NewEncoderError("unknown packet type", nil)
	}
}

// firstByte composes the fixed-header signature byte for typ with the given
// dup/qos/retain bits; used only for PUBLISH, the one type whose flags
// carry per-packet data rather than a fixed signature.
func firstByte(typ Type, dup bool, qos QoS, retain bool) byte {
	b := byte(typ) << 4
	if dup {
		b |= 0x08
	}
	b |= byte(qos) << 1
	if retain {
		b |= 0x01
	}
	return b
}

// newFrame allocates a header buffer and writes the fixed header (first
// byte composed from dup/qos/retain, then the remaining-length field).
// headroom bounds the allocation so one allocation covers the fixed header
// and the variable header/payload the caller writes afterward.
func newFrame(typ Type, dup bool, qos QoS, retain bool, remaining, headroom int) (*buf.Buffer, error) {
	return newFrameRawFlags(typ, firstByte(typ, dup, qos, retain)&0x0F, remaining, headroom)
}

// newFrameRawFlags is newFrame's counterpart for the fixed-signature packet
// types (everything but PUBLISH), where the low nibble is a constant
// per-type value rather than data (e.g. PUBREL's required 0b0010).
func newFrameRawFlags(typ Type, flags byte, remaining, headroom int) (*buf.Buffer, error) {
	out := buf.Allocate(1 + remainingLengthSize(remaining) + headroom)
	if err := out.WriteByte(byte(typ)<<4 | flags); err != nil {
		out.Release()
		return nil, mqtterr.NewEncoderError("writing fixed header", err)
	}
	if err := encodeRemainingLength(out, remaining); err != nil {
		out.Release()
		return nil, mqtterr.NewEncoderError("writing remaining length", err)
	}
	return out, nil
}

// remainingLengthSize returns how many bytes the base-128 VLQ encoding of n
// occupies.
func remainingLengthSize(n int) int {
	size := 1
	for n >= 128 {
		n /= 128
		size++
	}
	return size
}

func encodeEmptyBody(typ Type) (Encoded, error) {
	out, err := newFrameRawFlags(typ, 0, 0, 0)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Header: out}, nil
}

func encodeIDOnly(typ Type, id uint16) (Encoded, error) {
	return encodeIDOnlyRawFlags(typ, 0, id)
}

func encodeIDOnlyRawFlags(typ Type, flags byte, id uint16) (Encoded, error) {
	out, err := newFrameRawFlags(typ, flags, 2, 2)
	if err != nil {
		return Encoded{}, err
	}
	if err := out.WriteU16BE(id); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing packet id", err)
	}
	return Encoded{Header: out}, nil
}

func encodeConnAck(p *ConnAck) (Encoded, error) {
	out, err := newFrameRawFlags(TypeConnAck, 0, 2, 2)
	if err != nil {
		return Encoded{}, err
	}
	ackFlags := byte(0)
	if p.SessionPresent {
		ackFlags = 0x01
	}
	if err := out.WriteByte(ackFlags); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing ack flags", err)
	}
	if err := out.WriteByte(byte(p.ReturnCode)); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing return code", err)
	}
	return Encoded{Header: out}, nil
}

func encodeConnect(p *Connect) (Encoded, error) {
	connectFlags := deriveConnectFlags(p)

	variable := stringByteLen(ProtocolName) + 1 /* level */ + 1 /* flags */ + 2 /* keepalive */
	payload := stringByteLen(p.ClientID)
	if p.Will != nil {
		payload += stringByteLen(p.Will.Topic) + 2 + len(p.Will.Message)
	}
	if p.Username != nil {
		payload += stringByteLen(*p.Username)
	}
	if p.Password != nil {
		payload += stringByteLen(*p.Password)
	}
	remaining := variable + payload

	out, err := newFrameRawFlags(TypeConnect, 0, remaining, remaining)
	if err != nil {
		return Encoded{}, err
	}
	fail := func(msg string, cause error) (Encoded, error) {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError(msg, cause)
	}

	if err := writeString(out, ProtocolName); err != nil {
		return fail("writing protocol name", err)
	}
	if err := out.WriteByte(ProtocolLevel); err != nil {
		return fail("writing protocol level", err)
	}
	if err := out.WriteByte(connectFlags); err != nil {
		return fail("writing connect flags", err)
	}
	if err := out.WriteU16BE(p.KeepAlive); err != nil {
		return fail("writing keep-alive", err)
	}
	if err := writeString(out, p.ClientID); err != nil {
		return fail("writing client id", err)
	}
	if p.Will != nil {
		if err := writeString(out, p.Will.Topic); err != nil {
			return fail("writing will topic", err)
		}
		if err := out.WriteU16BE(uint16(len(p.Will.Message))); err != nil {
			return fail("writing will message length", err)
		}
		if err := out.WriteBytes(p.Will.Message); err != nil {
			return fail("writing will message", err)
		}
	}
	if p.Username != nil {
		if err := writeString(out, *p.Username); err != nil {
			return fail("writing username", err)
		}
	}
	if p.Password != nil {
		if err := writeString(out, *p.Password); err != nil {
			return fail("writing password", err)
		}
	}
	return Encoded{Header: out}, nil
}

// deriveConnectFlags rebuilds the connect-flags byte from p's fields rather
// than from any persisted flag byte, matching spec.md section 4.F's
// "Connect-flags re-derived from the packet fields" requirement.
func deriveConnectFlags(p *Connect) byte {
	var b byte
	if p.CleanSession {
		b |= 0x02
	}
	if p.Will != nil {
		b |= 0x04
		b |= byte(p.Will.QoS) << 3
		if p.Will.Retain {
			b |= 0x20
		}
	}
	if p.Password != nil {
		b |= 0x40
	}
	if p.Username != nil {
		b |= 0x80
	}
	return b
}

func encodePublish(p *Publish) (Encoded, error) {
	if err := validateTopicName(p.Topic); err != nil {
		return Encoded{}, err
	}
	variable := stringByteLen(p.Topic)
	if p.HasPacketID() {
		variable += 2
	}
	payloadLen := 0
	var payload *buf.Buffer
	if p.Payload != nil {
		payload = p.Payload.Payload()
		payloadLen = payload.ReadableBytes()
	}
	remaining := variable + payloadLen

	out, err := newFrame(TypePublish, p.Dup, p.QoS, p.Retain, remaining, variable)
	if err != nil {
		return Encoded{}, err
	}
	if err := writeString(out, p.Topic); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing topic name", err)
	}
	if p.HasPacketID() {
		if p.PacketID == 0 {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("QoS > 0 PUBLISH requires a non-zero packet id", nil)
		}
		if err := out.WriteU16BE(p.PacketID); err != nil {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("writing packet id", err)
		}
	}
	if payload == nil || payloadLen == 0 {
		return Encoded{Header: out}, nil
	}
	// The payload buffer is shared with the caller (and, typically, with a
	// decoded PUBLISH's zero-copy input slice); retain before handing it
	// out as a second owned output buffer so the caller's own release of
	// p.Payload doesn't recycle storage still queued for a transport write.
	return Encoded{Header: out, Payload: payload.Retain()}, nil
}

func encodeSubscribe(p *Subscribe) (Encoded, error) {
	remaining := 2
	for _, r := range p.Requests {
		remaining += stringByteLen(r.TopicFilter) + 1
	}
	out, err := newFrameRawFlags(TypeSubscribe, 0x02, remaining, remaining)
	if err != nil {
		return Encoded{}, err
	}
	if err := out.WriteU16BE(p.PacketID); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing packet id", err)
	}
	for _, r := range p.Requests {
		if err := writeString(out, r.TopicFilter); err != nil {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("writing topic filter", err)
		}
		if err := out.WriteByte(byte(r.QoS)); err != nil {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("writing requested qos", err)
		}
	}
	return Encoded{Header: out}, nil
}

func encodeSubAck(p *SubAck) (Encoded, error) {
	remaining := 2 + len(p.Codes)
	out, err := newFrameRawFlags(TypeSubAck, 0, remaining, remaining)
	if err != nil {
		return Encoded{}, err
	}
	if err := out.WriteU16BE(p.PacketID); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing packet id", err)
	}
	for _, c := range p.Codes {
		if err := out.WriteByte(byte(c)); err != nil {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("writing return code", err)
		}
	}
	return Encoded{Header: out}, nil
}

func encodeUnsubscribe(p *Unsubscribe) (Encoded, error) {
	remaining := 2
	for _, f := range p.Filters {
		remaining += stringByteLen(f)
	}
	out, err := newFrameRawFlags(TypeUnsubscribe, 0x02, remaining, remaining)
	if err != nil {
		return Encoded{}, err
	}
	if err := out.WriteU16BE(p.PacketID); err != nil {
		out.Release()
		return Encoded{}, mqtterr.NewEncoderError("writing packet id", err)
	}
	for _, f := range p.Filters {
		if err := writeString(out, f); err != nil {
			out.Release()
			return Encoded{}, mqtterr.NewEncoderError("writing topic filter", err)
		}
	}
	return Encoded{Header: out}, nil
}
