package mqtt

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeHex feeds the entire hex-encoded wire payload through a fresh
// Decoder in one call and returns whatever packets were emitted.
func decodeHex(t *testing.T, isServer bool, hexStr string) []Packet {
	t.Helper()
	raw, err := hex.DecodeString(strings.ReplaceAll(hexStr, " ", ""))
	require.NoError(t, err)

	d := NewDecoder(isServer, 256*1024*1024)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))

	var got []Packet
	err = d.Decode(acc, func(p Packet) { got = append(got, p) })
	require.NoError(t, err)
	return got
}

func TestDecoder_PingReq(t *testing.T) {
	pkts := decodeHex(t, true, "C0 00")
	require.Len(t, pkts, 1)
	assert.Equal(t, PingReq{}, pkts[0])
}

func TestDecoder_ConnectMinimal(t *testing.T) {
	pkts := decodeHex(t, true, "10 12 00 04 4D 51 54 54 04 02 00 3C 00 06 63 6C 69 65 6E 74")
	require.Len(t, pkts, 1)
	c := pkts[0].(*Connect)
	assert.True(t, c.CleanSession)
	assert.Equal(t, uint16(60), c.KeepAlive)
	assert.Equal(t, "client", c.ClientID)
	assert.Nil(t, c.Will)
	assert.Nil(t, c.Username)
	assert.Nil(t, c.Password)
}

func TestDecoder_PublishQoS1(t *testing.T) {
	pkts := decodeHex(t, true, "32 0A 00 04 74 65 73 74 00 2A 68 69")
	require.Len(t, pkts, 1)
	p := pkts[0].(*Publish)
	assert.Equal(t, QoSAtLeastOnce, p.QoS)
	assert.False(t, p.Dup)
	assert.False(t, p.Retain)
	assert.Equal(t, "test", p.Topic)
	assert.Equal(t, uint16(42), p.PacketID)
	assert.Equal(t, []byte("hi"), p.Payload.Payload().Bytes())
}

func TestDecoder_SubscribeTwoFilters(t *testing.T) {
	pkts := decodeHex(t, true, "82 0C 00 01 00 03 61 2F 62 01 00 01 23 02")
	require.Len(t, pkts, 1)
	s := pkts[0].(*Subscribe)
	assert.Equal(t, uint16(1), s.PacketID)
	require.Len(t, s.Requests, 2)
	assert.Equal(t, SubscribeRequest{TopicFilter: "a/b", QoS: QoSAtLeastOnce}, s.Requests[0])
	assert.Equal(t, SubscribeRequest{TopicFilter: "#", QoS: QoSExactlyOnce}, s.Requests[1])
}

func TestDecoder_SubAckWithFailure(t *testing.T) {
	pkts := decodeHex(t, false, "90 05 00 01 00 01 80")
	require.Len(t, pkts, 1)
	sa := pkts[0].(*SubAck)
	assert.Equal(t, uint16(1), sa.PacketID)
	assert.Equal(t, []QoS{QoSAtMostOnce, QoSAtLeastOnce, QoSFailure}, sa.Codes)
}

func TestDecoder_MalformedRemainingLength(t *testing.T) {
	raw, err := hex.DecodeString("10FFFFFFFF")
	require.NoError(t, err)
	d := NewDecoder(true, 256*1024*1024)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))

	err = d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeMalformedRemainingLength, de.Code)
	assert.True(t, d.Bad())
}

func TestDecoder_FragmentedDeliveryOneByteAtATime(t *testing.T) {
	raw, err := hex.DecodeString(strings.ReplaceAll(
		"10 12 00 04 4D 51 54 54 04 02 00 3C 00 06 63 6C 69 65 6E 74", " ", ""))
	require.NoError(t, err)

	d := NewDecoder(true, 256*1024*1024)
	acc := buf.Allocate(len(raw))

	var got []Packet
	for _, b := range raw {
		require.NoError(t, acc.WriteByte(b))
		require.NoError(t, d.Decode(acc, func(p Packet) { got = append(got, p) }))
	}

	require.Len(t, got, 1, "the whole stream split into single-byte chunks must still yield exactly one packet")
	c := got[0].(*Connect)
	assert.Equal(t, "client", c.ClientID)
	assert.Equal(t, uint16(60), c.KeepAlive)
}

func TestDecoder_IncrementalParsingMatchesWholeFeed(t *testing.T) {
	raw, err := hex.DecodeString(strings.ReplaceAll(
		"32 0A 00 04 74 65 73 74 00 2A 68 69", " ", ""))
	require.NoError(t, err)

	whole := decodeHex(t, true, hex.EncodeToString(raw))
	require.Len(t, whole, 1)

	d := NewDecoder(true, 256*1024*1024)
	acc := buf.Allocate(len(raw))
	var chunked []Packet
	for i, chunkLen := 0, 3; i < len(raw); i += chunkLen {
		end := i + chunkLen
		if end > len(raw) {
			end = len(raw)
		}
		require.NoError(t, acc.WriteBytes(raw[i:end]))
		require.NoError(t, d.Decode(acc, func(p Packet) { chunked = append(chunked, p) }))
	}
	require.Len(t, chunked, 1)
	assert.Equal(t, whole[0].(*Publish).Topic, chunked[0].(*Publish).Topic)
	assert.Equal(t, whole[0].(*Publish).PacketID, chunked[0].(*Publish).PacketID)
}

func TestDecoder_RemainingLengthBoundaries(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384} {
		n := n
		t.Run("", func(t *testing.T) {
			acc := buf.Allocate(5 + n)
			require.NoError(t, acc.WriteByte(0xE0)) // DISCONNECT signature byte
			require.NoError(t, encodeRemainingLength(acc, n))
			require.NoError(t, acc.WriteBytes(make([]byte, n)))

			d := NewDecoder(true, 1<<30)
			var got []Packet
			err := d.Decode(acc, func(p Packet) { got = append(got, p) })
			if n == 0 {
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, Disconnect{}, got[0])
			} else {
				// DISCONNECT requires an empty body; any non-zero remaining
				// length must be rejected once the body is fully buffered.
				require.Error(t, err)
				var de *mqtterr.DecoderError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, mqtterr.CodeUnexpectedRemainingLength, de.Code)
			}
		})
	}
}

func TestDecoder_MessageTooBig(t *testing.T) {
	d := NewDecoder(true, 10)
	acc := buf.Allocate(2 + 100)
	require.NoError(t, acc.WriteByte(0x30)) // PUBLISH, qos 0
	require.NoError(t, encodeRemainingLength(acc, 100))
	require.NoError(t, acc.WriteBytes(make([]byte, 100)))

	err := d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeMessageTooBig, de.Code)
}

func TestDecoder_TopicFilterBoundaries(t *testing.T) {
	accepted := []string{"a", "a/b", "+", "a/+/b", "a/#", "#"}
	rejected := []string{"a+", "+a", "a/#/b", ""}

	for _, f := range accepted {
		assert.NoError(t, validateTopicFilter(f), "expected %q to be accepted", f)
	}
	for _, f := range rejected {
		assert.Error(t, validateTopicFilter(f), "expected %q to be rejected", f)
	}
}

func TestDecoder_PublishRejectsWildcardTopicName(t *testing.T) {
	assert.Error(t, validateTopicName("a/+"))
	assert.Error(t, validateTopicName("a/#"))
	assert.Error(t, validateTopicName(""))
	assert.NoError(t, validateTopicName("a/b"))
}

func TestDecoder_ConnectPasswordWithoutUsernameRejected(t *testing.T) {
	// connect flags byte: username=0, password=1 (0x40) -> invalid
	hexStr := "10 0C 00 04 4D 51 54 54 04 40 00 00 00 00"
	raw, err := hex.DecodeString(strings.ReplaceAll(hexStr, " ", ""))
	require.NoError(t, err)
	d := NewDecoder(true, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))
	err = d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeInvalidFlags, de.Code)
}

func TestDecoder_ConnectReservedLowBitRejected(t *testing.T) {
	hexStr := "10 0C 00 04 4D 51 54 54 04 01 00 00 00 00"
	raw, err := hex.DecodeString(strings.ReplaceAll(hexStr, " ", ""))
	require.NoError(t, err)
	d := NewDecoder(true, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))
	err = d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeInvalidFlags, de.Code)
}

func TestDecoder_PublishQoS3Rejected(t *testing.T) {
	// first byte 0x36: type PUBLISH, flags 0110 -> qos = (0110>>1)&3 = 3
	hexStr := "36 04 00 01 61"
	raw, err := hex.DecodeString(strings.ReplaceAll(hexStr, " ", ""))
	require.NoError(t, err)
	d := NewDecoder(true, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))
	err = d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeInvalidQoS, de.Code)
}

func TestDecoder_DirectionEnforcement(t *testing.T) {
	// CONNECT (client->server) fed to a decoder configured as a client.
	raw, err := hex.DecodeString(strings.ReplaceAll(
		"10 12 00 04 4D 51 54 54 04 02 00 3C 00 06 63 6C 69 65 6E 74", " ", ""))
	require.NoError(t, err)
	d := NewDecoder(false, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))
	err = d.Decode(acc, func(Packet) {})
	require.Error(t, err)
	var de *mqtterr.DecoderError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, mqtterr.CodeUnsupportedDirection, de.Code)
}

func TestDecoder_PublishZeroCopyRetainsInputStorage(t *testing.T) {
	raw, err := hex.DecodeString(strings.ReplaceAll(
		"30 08 00 04 74 65 73 74 68 69", " ", "")) // QoS 0, no packet id, payload "hi"
	require.NoError(t, err)

	d := NewDecoder(true, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))

	before := acc.RefCount()
	var got *Publish
	require.NoError(t, d.Decode(acc, func(p Packet) { got = p.(*Publish) }))
	require.NotNil(t, got)
	assert.Equal(t, before+1, got.Payload.Payload().RefCount())
	assert.Equal(t, []byte("hi"), got.Payload.Payload().Bytes())
	assert.False(t, got.Payload.Release())
	assert.True(t, acc.Release())
}

// TestDecoder_CompactKeepsCheckpointValidAcrossAccumulatorReallocation
// reproduces the scenario an ensureRoom-style compaction creates: a fixed
// header arrives alone (forcing a checkpoint/replay cycle), the caller then
// discards the consumed prefix by swapping in a fresh accumulator
// starting at reader index 0, and only a sliver of the body arrives next
// (forcing a second replay). Without shifting the checkpoint by the
// compaction delta, that second replay would roll back to the stale
// pre-compaction offset instead of 0, either corrupting the eventual parse
// or panicking via SetReaderIndex on a buffer too short to hold it.
func TestDecoder_CompactKeepsCheckpointValidAcrossAccumulatorReallocation(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	p := &Publish{
		QoS:     QoSAtMostOnce,
		Topic:   "sensors/outside/temperature",
		Payload: buf.NewHolder(buf.WrapBytes(append([]byte(nil), payload...))),
	}
	enc, err := Encode(p)
	require.NoError(t, err)
	full := append(append([]byte(nil), enc.Header.Bytes()...), enc.Payload.Bytes()...)
	enc.Header.Release()
	enc.Payload.Release()

	// Find where the fixed header (type byte + remaining-length varint)
	// ends, matching readRemainingLength's continuation-bit convention.
	fixedHeaderLen := 1
	for full[fixedHeaderLen]&0x80 != 0 {
		fixedHeaderLen++
	}
	fixedHeaderLen++
	require.Greater(t, fixedHeaderLen, 2, "test needs a multi-byte remaining-length field to exercise a real stale offset")

	d := NewDecoder(true, 1<<20)
	acc := buf.Allocate(fixedHeaderLen)
	require.NoError(t, acc.WriteBytes(full[:fixedHeaderLen]))

	var got *Publish
	require.NoError(t, d.Decode(acc, func(pkt Packet) { got = pkt.(*Publish) }))
	require.Nil(t, got, "fixed header alone must not be enough to decode a frame")

	// Simulate ensureRoom's compaction: copy the unread window into a fresh,
	// larger buffer starting at reader 0, and tell the decoder how far
	// everything just shifted.
	delta := acc.ReaderIndex()
	fresh := buf.Allocate(len(full) - fixedHeaderLen)
	require.NoError(t, fresh.WriteBytes(acc.Bytes()))
	acc.Release()
	acc = fresh
	d.Compact(delta)

	// Feed a single byte of the body: the new buffer's writer index is far
	// below the stale (pre-compaction) checkpoint, so a SetReaderIndex
	// against the uncompacted offset would panic here.
	require.NoError(t, acc.WriteBytes(full[fixedHeaderLen:fixedHeaderLen+1]))
	require.NoError(t, d.Decode(acc, func(pkt Packet) { got = pkt.(*Publish) }))
	require.Nil(t, got, "one body byte must not be enough to decode a frame")

	require.NoError(t, acc.WriteBytes(full[fixedHeaderLen+1:]))
	require.NoError(t, d.Decode(acc, func(pkt Packet) { got = pkt.(*Publish) }))
	require.NotNil(t, got)
	assert.Equal(t, p.Topic, got.Topic)
	assert.Equal(t, payload, got.Payload.Payload().Bytes())
}

func TestDecoder_BadMessageDrainsFurtherBytes(t *testing.T) {
	raw, err := hex.DecodeString("10FFFFFFFFAABBCCDD")
	require.NoError(t, err)
	d := NewDecoder(true, 1<<30)
	acc := buf.Allocate(len(raw))
	require.NoError(t, acc.WriteBytes(raw))

	err1 := d.Decode(acc, func(Packet) {})
	require.Error(t, err1)
	assert.True(t, d.Bad())
	assert.Equal(t, acc.WriterIndex(), acc.ReaderIndex(), "BadMessage must drain all buffered bytes")

	// Subsequent calls return the same latched error without panicking.
	err2 := d.Decode(acc, func(Packet) {})
	assert.Equal(t, err1, err2)
}

