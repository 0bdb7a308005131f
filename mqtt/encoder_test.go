package mqtt

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/joeycumines/go-mqttpipe/buf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeToHex runs Encode and flattens every output buffer into one hex
// string, releasing the buffers afterward (mimicking a transport write).
func encodeToHex(t *testing.T, pkt Packet) string {
	t.Helper()
	enc, err := Encode(pkt)
	require.NoError(t, err)
	var sb strings.Builder
	for _, b := range enc.Buffers() {
		sb.WriteString(hex.EncodeToString(b.Bytes()))
		b.Release()
	}
	return sb.String()
}

func TestEncode_PingReq(t *testing.T) {
	assert.Equal(t, "c000", encodeToHex(t, PingReq{}))
}

func TestEncode_ConnectMinimal(t *testing.T) {
	got := encodeToHex(t, &Connect{CleanSession: true, KeepAlive: 60, ClientID: "client"})
	want := strings.ReplaceAll("10 12 00 04 4D 51 54 54 04 02 00 3C 00 06 63 6C 69 65 6E 74", " ", "")
	assert.Equal(t, strings.ToLower(want), got)
}

func TestEncode_PublishQoS1(t *testing.T) {
	payload := buf.Allocate(2)
	require.NoError(t, payload.WriteBytes([]byte("hi")))
	got := encodeToHex(t, &Publish{QoS: QoSAtLeastOnce, Topic: "test", PacketID: 42, Payload: buf.NewHolder(payload)})
	want := strings.ReplaceAll("32 0A 00 04 74 65 73 74 00 2A 68 69", " ", "")
	assert.Equal(t, strings.ToLower(want), got)
}

func TestEncode_SubscribeTwoFilters(t *testing.T) {
	got := encodeToHex(t, &Subscribe{PacketID: 1, Requests: []SubscribeRequest{
		{TopicFilter: "a/b", QoS: QoSAtLeastOnce},
		{TopicFilter: "#", QoS: QoSExactlyOnce},
	}})
	want := strings.ReplaceAll("82 0C 00 01 00 03 61 2F 62 01 00 01 23 02", " ", "")
	assert.Equal(t, strings.ToLower(want), got)
}

func TestEncode_SubAckWithFailure(t *testing.T) {
	got := encodeToHex(t, &SubAck{PacketID: 1, Codes: []QoS{QoSAtMostOnce, QoSAtLeastOnce, QoSFailure}})
	want := strings.ReplaceAll("90 05 00 01 00 01 80", " ", "")
	assert.Equal(t, strings.ToLower(want), got)
}

// roundTrip encodes pkt, decodes the result back, and returns the single
// decoded packet.
func roundTrip(t *testing.T, isServer bool, pkt Packet) Packet {
	t.Helper()
	enc, err := Encode(pkt)
	require.NoError(t, err)

	acc := buf.Allocate(enc.Header.ReadableBytes())
	require.NoError(t, acc.WriteBytes(enc.Header.Bytes()))
	enc.Header.Release()
	if enc.Payload != nil {
		payloadBytes := enc.Payload.Bytes()
		acc2 := buf.Allocate(acc.ReadableBytes() + len(payloadBytes))
		require.NoError(t, acc2.WriteBytes(acc.Bytes()))
		require.NoError(t, acc2.WriteBytes(payloadBytes))
		acc.Release()
		enc.Payload.Release()
		acc = acc2
	}

	d := NewDecoder(isServer, 1<<30)
	var got []Packet
	require.NoError(t, d.Decode(acc, func(p Packet) { got = append(got, p) }))
	require.Len(t, got, 1)
	return got[0]
}

func TestRoundTrip_AllPacketTypes(t *testing.T) {
	user := "alice"
	pass := "hunter2"
	cases := []struct {
		name     string
		isServer bool
		pkt      Packet
	}{
		{"PingReq", true, PingReq{}},
		{"PingResp", false, PingResp{}},
		{"Disconnect", true, Disconnect{}},
		{"ConnectMinimal", true, &Connect{CleanSession: true, KeepAlive: 30, ClientID: "c1"}},
		{"ConnectWithWillAndCreds", true, &Connect{
			CleanSession: false, KeepAlive: 10, ClientID: "c2",
			Will:     &Will{Topic: "status/c2", Message: []byte("offline"), QoS: QoSAtLeastOnce, Retain: true},
			Username: &user, Password: &pass,
		}},
		{"ConnAck", false, &ConnAck{SessionPresent: true, ReturnCode: ReturnCodeAccepted}},
		{"PubAck", false, &PubAck{PacketID: 7}},
		{"PubRec", false, &PubRec{PacketID: 7}},
		{"PubRel", true, &PubRel{PacketID: 7}},
		{"PubComp", false, &PubComp{PacketID: 7}},
		{"UnsubAck", false, &UnsubAck{PacketID: 9}},
		{"Subscribe", true, &Subscribe{PacketID: 3, Requests: []SubscribeRequest{{TopicFilter: "a/+/c", QoS: QoSAtMostOnce}}}},
		{"SubAck", false, &SubAck{PacketID: 3, Codes: []QoS{QoSAtMostOnce}}},
		{"Unsubscribe", true, &Unsubscribe{PacketID: 4, Filters: []string{"x/#"}}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := roundTrip(t, c.isServer, c.pkt)
			assert.Equal(t, c.pkt, got)
		})
	}
}

func TestRoundTrip_PublishQoSVariants(t *testing.T) {
	for _, qos := range []QoS{QoSAtMostOnce, QoSAtLeastOnce, QoSExactlyOnce} {
		t.Run(qos.String(), func(t *testing.T) {
			payload := buf.Allocate(3)
			require.NoError(t, payload.WriteBytes([]byte("abc")))
			pkt := &Publish{QoS: qos, Topic: "t", Dup: false, Retain: true, Payload: buf.NewHolder(payload)}
			if pkt.HasPacketID() {
				pkt.PacketID = 5
			}
			got := roundTrip(t, true, pkt).(*Publish)
			assert.Equal(t, pkt.Topic, got.Topic)
			assert.Equal(t, pkt.QoS, got.QoS)
			assert.Equal(t, pkt.PacketID, got.PacketID)
			assert.Equal(t, pkt.HasPacketID(), got.HasPacketID())
			assert.Equal(t, []byte("abc"), got.Payload.Payload().Bytes())
		})
	}
}

func TestRoundTrip_PublishEmptyPayload(t *testing.T) {
	pkt := &Publish{QoS: QoSAtMostOnce, Topic: "empty", Payload: buf.NewHolder(buf.Allocate(0))}
	got := roundTrip(t, true, pkt).(*Publish)
	assert.Equal(t, 0, got.Payload.Payload().ReadableBytes())
}

func TestEncode_RemainingLengthMatchesBodyLength(t *testing.T) {
	enc, err := Encode(&Subscribe{PacketID: 1, Requests: []SubscribeRequest{{TopicFilter: "a", QoS: 0}}})
	require.NoError(t, err)
	defer enc.Header.Release()

	raw := enc.Header.Bytes()
	// first byte, then VLQ remaining-length (1 byte here, value < 128)
	remLen := int(raw[1])
	assert.Equal(t, len(raw)-2, remLen)
}
