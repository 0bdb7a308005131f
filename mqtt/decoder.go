package mqtt

import (
	"errors"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/decoder"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// Decoder is a frame-oriented MQTT 3.1.1 decoder built on decoder.Replaying.
// It accumulates exactly the bytes of one control packet before parsing its
// body, the same accumulate-then-decode shape as a standard length-field
// frame decoder: since a full frame's remaining-length is known from its
// fixed header, there is no benefit to attempting a partial field-by-field
// parse before all of it has arrived, and accumulating first means the body
// is validated exactly once per packet, with no re-validation on replay.
type Decoder struct {
	rep            *decoder.Replaying
	isServer       bool
	maxMessageSize uint32
	bad            bool
}

// NewDecoder constructs a Decoder. isServer governs the direction-legality
// checks of 4.E; maxMessageSize caps the total frame size (fixed header +
// remaining-length field + body).
func NewDecoder(isServer bool, maxMessageSize uint32) *Decoder {
	d := &Decoder{isServer: isServer, maxMessageSize: maxMessageSize}
	d.rep = decoder.New(d.step)
	return d
}

// frameState is the decoder-defined state tag threaded through
// decoder.Replaying: once the fixed header has been parsed, it's recorded
// here so a short read waiting on the body doesn't re-parse or
// re-validate it.
type frameState struct {
	typ    Type
	flags  byte
	remLen int
}

// Decode feeds newly-accumulated bytes through the decoder, invoking emit
// once per fully decoded packet. A non-nil return is always fatal: the
// decoder has entered BadMessage and every subsequent call returns the same
// error without consuming bytes.
func (d *Decoder) Decode(acc *buf.Buffer, emit func(Packet)) error {
	if d.bad {
		return d.rep.FailureCause()
	}
	err := d.rep.Decode(acc, func(frame any) { emit(frame.(Packet)) })
	if err != nil {
		d.bad = true
		acc.SetReaderIndex(acc.WriterIndex()) // drain all further bytes per BadMessage contract
	}
	return err
}

// Bad reports whether the decoder has entered the terminal BadMessage
// state.
func (d *Decoder) Bad() bool { return d.bad }

// Compact notifies the decoder that its caller just discarded delta bytes
// from the front of the accumulator it decodes from (e.g. by reallocating
// into a fresh buffer that starts at the previous reader index), shifting
// the internal replay checkpoint so a subsequent short read rewinds to the
// correct offset in the new buffer instead of a stale one.
func (d *Decoder) Compact(delta int) {
	d.rep.Compact(delta)
}

func (d *Decoder) step(rep *decoder.Replaying, acc *buf.Buffer) (any, bool, error) {
	st, _ := rep.State().(*frameState)
	if st == nil {
		rep.Checkpoint(acc)
		if !acc.IsReadable(1) {
			return nil, false, rep.RequestReplay(acc)
		}
		headerStart := acc.ReaderIndex()
		firstByte, err := acc.ReadByte()
		if err != nil {
			return nil, false, err
		}
		typ := Type(firstByte >> 4)
		flags := firstByte & 0x0F

		if err := checkSignature(typ, &flags); err != nil {
			return nil, false, err
		}

		remLen, err := readRemainingLength(rep, acc)
		if err != nil {
			return nil, false, err
		}
		total := (acc.ReaderIndex() - headerStart) + remLen
		if total > int(d.maxMessageSize) {
			return nil, false, mqtterr.NewDecoderError(mqtterr.CodeMessageTooBig, "",
				"decoded frame exceeds the configured maximum message size")
		}

		if err := checkDirection(typ, d.isServer); err != nil {
			return nil, false, err
		}

		st = &frameState{typ: typ, flags: flags, remLen: remLen}
		rep.SetState(st)
		rep.Checkpoint(acc)
	}

	if !acc.IsReadable(st.remLen) {
		return nil, false, rep.RequestReplay(acc)
	}

	body, err := acc.ReadSlice(st.remLen)
	if err != nil {
		return nil, false, err
	}

	pkt, err := parseBody(st.typ, st.flags, body)
	if pkt == nil || err != nil {
		body.Release()
		if err != nil {
			return nil, false, err
		}
	}
	// Every variant, Publish included, is done with body once its fields
	// are extracted: Publish's payload is an independent retain taken via
	// body.ReadSlice in parsePublish, not a borrow of body itself.
	if pkt != nil {
		body.Release()
	}

	rep.SetState(nil)
	rep.Checkpoint(acc)
	return pkt, true, nil
}

// checkSignature validates and, for fixed-flag packet types, normalizes
// flags against the strict first-byte signature each type requires except
// PUBLISH (whose flags carry dup/qos/retain).
func checkSignature(typ Type, flags *byte) error {
	switch typ {
	case TypeConnect, TypeConnAck, TypePubAck, TypePubRec, TypePubComp,
		TypeSubAck, TypeUnsubAck, TypePingReq, TypePingResp, TypeDisconnect:
		if *flags != 0x00 {
			return mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "", "reserved flags must be 0 for "+typ.String())
		}
	case TypePubRel, TypeSubscribe, TypeUnsubscribe:
		if *flags != 0x02 {
			return mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "", "reserved flags must be 0b0010 for "+typ.String())
		}
	case TypePublish:
		qos := QoS((*flags >> 1) & 0x03)
		if qos == QoSReserved {
			return mqtterr.NewDecoderError(mqtterr.CodeInvalidQoS, "", "PUBLISH QoS may not be 3 (reserved)")
		}
	default:
		return mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "", "unknown or reserved packet type")
	}
	return nil
}

func checkDirection(typ Type, isServer bool) error {
	switch typ {
	case TypeConnect, TypeSubscribe, TypeUnsubscribe, TypeDisconnect, TypePingReq:
		if !isServer {
			return mqtterr.NewDecoderError(mqtterr.CodeUnsupportedDirection, "", typ.String()+" is only legal inbound on a server")
		}
	case TypeConnAck, TypeSubAck, TypeUnsubAck, TypePingResp:
		if isServer {
			return mqtterr.NewDecoderError(mqtterr.CodeUnsupportedDirection, "", typ.String()+" is only legal inbound on a client")
		}
	}
	return nil
}

func parseBody(typ Type, flags byte, body *buf.Buffer) (Packet, error) {
	switch typ {
	case TypeConnect:
		return parseConnect(body)
	case TypePublish:
		return parsePublish(flags, body)
	case TypePubAck:
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		return &PubAck{PacketID: id}, nil
	case TypePubRec:
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		return &PubRec{PacketID: id}, nil
	case TypePubRel:
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		return &PubRel{PacketID: id}, nil
	case TypePubComp:
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		return &PubComp{PacketID: id}, nil
	case TypeUnsubAck:
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		return &UnsubAck{PacketID: id}, nil
	case TypeSubscribe:
		return parseSubscribe(body)
	case TypeSubAck:
		return parseSubAck(body)
	case TypeUnsubscribe:
		return parseUnsubscribe(body)
	case TypePingReq:
		if err := requireEmptyBody(body); err != nil {
			return nil, err
		}
		return PingReq{}, nil
	case TypePingResp:
		if err := requireEmptyBody(body); err != nil {
			return nil, err
		}
		return PingResp{}, nil
	case TypeDisconnect:
		if err := requireEmptyBody(body); err != nil {
			return nil, err
		}
		return Disconnect{}, nil
	case TypeConnAck:
		return parseConnAck(body)
	default:
		return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "", "unsupported packet type in body dispatch")
	}
}

func requireEmptyBody(body *buf.Buffer) error {
	if body.ReadableBytes() != 0 {
		return mqtterr.NewDecoderError(mqtterr.CodeUnexpectedRemainingLength, "", "expected an empty variable header and payload")
	}
	return nil
}

func readPacketID(body *buf.Buffer) (uint16, error) {
	id, err := requireU16(body)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, mqtterr.NewDecoderError(mqtterr.CodeInvalidPacketID, "", "packet id must be >= 1")
	}
	return id, nil
}

func requireByte(body *buf.Buffer) (byte, error) {
	b, err := body.ReadByte()
	if errors.Is(err, mqtterr.ErrUnderflow) {
		return 0, mqtterr.NewDecoderError(mqtterr.CodeUnexpectedRemainingLength, "", "remaining length too short for a required field")
	}
	return b, err
}

func requireU16(body *buf.Buffer) (uint16, error) {
	v, err := body.ReadU16BE()
	if errors.Is(err, mqtterr.ErrUnderflow) {
		return 0, mqtterr.NewDecoderError(mqtterr.CodeUnexpectedRemainingLength, "", "remaining length too short for a required field")
	}
	return v, err
}

func parseConnAck(body *buf.Buffer) (*ConnAck, error) {
	ackFlags, err := requireByte(body)
	if err != nil {
		return nil, err
	}
	code, err := requireByte(body)
	if err != nil {
		return nil, err
	}
	if err := requireEmptyBody(body); err != nil {
		return nil, err
	}
	return &ConnAck{SessionPresent: ackFlags&0x01 != 0, ReturnCode: ReturnCode(code)}, nil
}

func parseConnect(body *buf.Buffer) (*Connect, error) {
	protoName, err := readString(body, body.ReadableBytes())
	if err != nil {
		return nil, err
	}
	if protoName != ProtocolName {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeUnexpectedProtocolName, "", "protocol name must be \"MQTT\"")
	}
	level, err := requireByte(body)
	if err != nil {
		return nil, err
	}
	if level != ProtocolLevel {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeUnexpectedProtocolLevel, "", "unsupported protocol level")
	}
	connectFlags, err := requireByte(body)
	if err != nil {
		return nil, err
	}
	if connectFlags&0x01 != 0 {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "[MQTT-3.1.2-3]", "connect flags reserved bit must be 0")
	}
	cleanSession := connectFlags&0x02 != 0
	willFlag := connectFlags&0x04 != 0
	willQoS := QoS((connectFlags >> 3) & 0x03)
	willRetain := connectFlags&0x20 != 0
	passwordFlag := connectFlags&0x40 != 0
	usernameFlag := connectFlags&0x80 != 0

	if willQoS == QoSReserved {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidQoS, "[MQTT-3.1.2-14]", "will QoS may not be 3 (reserved)")
	}
	if !willFlag && (connectFlags&0x38) != 0 {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "[MQTT-3.1.2-11]", "will bits must be 0 when will-flag is 0")
	}
	if passwordFlag && !usernameFlag {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidFlags, "[MQTT-3.1.2-22]", "password-flag requires username-flag")
	}

	keepAlive, err := requireU16(body)
	if err != nil {
		return nil, err
	}
	clientID, err := readString(body, body.ReadableBytes())
	if err != nil {
		return nil, err
	}

	c := &Connect{CleanSession: cleanSession, KeepAlive: keepAlive, ClientID: clientID}

	if willFlag {
		willTopic, err := readString(body, body.ReadableBytes())
		if err != nil {
			return nil, err
		}
		msgLen, err := requireU16(body)
		if err != nil {
			return nil, err
		}
		msg := make([]byte, msgLen)
		if err := body.ReadBytesInto(msg); err != nil {
			if errors.Is(err, mqtterr.ErrUnderflow) {
				return nil, mqtterr.NewDecoderError(mqtterr.CodeUnexpectedRemainingLength, "", "will message truncated")
			}
			return nil, err
		}
		c.Will = &Will{Topic: willTopic, Message: msg, QoS: willQoS, Retain: willRetain}
	}
	if usernameFlag {
		u, err := readString(body, body.ReadableBytes())
		if err != nil {
			return nil, err
		}
		c.Username = &u
	}
	if passwordFlag {
		p, err := readString(body, body.ReadableBytes())
		if err != nil {
			return nil, err
		}
		c.Password = &p
	}
	return c, nil
}

func validateTopicName(topic string) error {
	if len(topic) == 0 {
		return mqtterr.NewDecoderError(mqtterr.CodeInvalidTopicName, "", "topic name must not be empty")
	}
	for _, r := range topic {
		if r == '#' || r == '+' {
			return mqtterr.NewDecoderError(mqtterr.CodeInvalidTopicName, "", "topic name must not contain wildcard characters")
		}
	}
	return nil
}

// validateTopicFilter enforces the MQTT wildcard-placement rules for a
// SUBSCRIBE/UNSUBSCRIBE topic filter: "+" may only stand alone as a full
// path segment, and "#" may only stand alone as the final path segment.
func validateTopicFilter(filter string) error {
	if len(filter) == 0 {
		return mqtterr.NewDecoderError(mqtterr.CodeInvalidTopicFilter, "[MQTT-4.7.3-1]", "topic filter must not be empty")
	}
	segments := splitTopicLevels(filter)
	for i, seg := range segments {
		switch {
		case seg == "+":
			// a full segment on its own is always fine
		case seg == "#":
			if i != len(segments)-1 {
				return mqtterr.NewDecoderError(mqtterr.CodeInvalidTopicFilter, "[MQTT-4.7.1-2]", "'#' must be the last topic level")
			}
		case containsAny(seg, "+#"):
			return mqtterr.NewDecoderError(mqtterr.CodeInvalidTopicFilter, "[MQTT-4.7.1-3]", "'+'/'#' must occupy a whole topic level")
		}
	}
	return nil
}

func splitTopicLevels(filter string) []string {
	var levels []string
	start := 0
	for i := 0; i < len(filter); i++ {
		if filter[i] == '/' {
			levels = append(levels, filter[start:i])
			start = i + 1
		}
	}
	levels = append(levels, filter[start:])
	return levels
}

func containsAny(s, chars string) bool {
	for _, c := range []byte(chars) {
		for i := 0; i < len(s); i++ {
			if s[i] == c {
				return true
			}
		}
	}
	return false
}

func parsePublish(flags byte, body *buf.Buffer) (*Publish, error) {
	dup := flags&0x08 != 0
	qos := QoS((flags >> 1) & 0x03)
	retain := flags&0x01 != 0

	topic, err := readString(body, body.ReadableBytes())
	if err != nil {
		return nil, err
	}
	if err := validateTopicName(topic); err != nil {
		return nil, err
	}

	p := &Publish{Dup: dup, QoS: qos, Retain: retain, Topic: topic}
	if qos > QoSAtMostOnce {
		id, err := readPacketID(body)
		if err != nil {
			return nil, err
		}
		p.PacketID = id
	}

	payload, err := body.ReadSlice(body.ReadableBytes())
	if err != nil {
		return nil, err
	}
	p.Payload = buf.NewHolder(payload)
	return p, nil
}

func parseSubscribe(body *buf.Buffer) (*Subscribe, error) {
	id, err := readPacketID(body)
	if err != nil {
		return nil, err
	}
	var reqs []SubscribeRequest
	for body.ReadableBytes() > 0 {
		filter, err := readString(body, body.ReadableBytes())
		if err != nil {
			return nil, err
		}
		if err := validateTopicFilter(filter); err != nil {
			return nil, err
		}
		qosByte, err := requireByte(body)
		if err != nil {
			return nil, err
		}
		if qosByte >= byte(QoSReserved) {
			return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidQoS, "[MQTT-3.8.3-4]", "requested QoS must be less than 3")
		}
		reqs = append(reqs, SubscribeRequest{TopicFilter: filter, QoS: QoS(qosByte)})
	}
	if len(reqs) == 0 {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeEmptySubscribe, "[MQTT-3.8.3-3]", "SUBSCRIBE must contain at least one filter")
	}
	return &Subscribe{PacketID: id, Requests: reqs}, nil
}

func parseSubAck(body *buf.Buffer) (*SubAck, error) {
	id, err := readPacketID(body)
	if err != nil {
		return nil, err
	}
	var codes []QoS
	for body.ReadableBytes() > 0 {
		b, err := requireByte(body)
		if err != nil {
			return nil, err
		}
		if b > byte(QoSExactlyOnce) && b != byte(QoSFailure) {
			return nil, mqtterr.NewDecoderError(mqtterr.CodeInvalidReturnCode, "[MQTT-3.9.3-2]", "SUBACK return code must be 0, 1, 2 or 0x80")
		}
		codes = append(codes, QoS(b))
	}
	return &SubAck{PacketID: id, Codes: codes}, nil
}

func parseUnsubscribe(body *buf.Buffer) (*Unsubscribe, error) {
	id, err := readPacketID(body)
	if err != nil {
		return nil, err
	}
	var filters []string
	for body.ReadableBytes() > 0 {
		filter, err := readString(body, body.ReadableBytes())
		if err != nil {
			return nil, err
		}
		if err := validateTopicFilter(filter); err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	if len(filters) == 0 {
		return nil, mqtterr.NewDecoderError(mqtterr.CodeEmptyUnsubscribe, "[MQTT-3.10.3-2]", "UNSUBSCRIBE must contain at least one filter")
	}
	return &Unsubscribe{PacketID: id, Filters: filters}, nil
}
