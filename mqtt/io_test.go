package mqtt_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mqttpipe/mqtt"
)

func TestPacketWriter_WritesEncodedBytes(t *testing.T) {
	var buf bytes.Buffer
	w := mqtt.NewPacketWriter(&buf)

	require.NoError(t, w.WritePacket(mqtt.PingReq{}))

	assert.Equal(t, []byte{0xc0, 0x00}, buf.Bytes())
}

func TestPacketReader_DecodesOneFrameAtATime(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xd0, 0x00}) // PINGRESP
	buf.Write([]byte{0xd0, 0x00}) // PINGRESP again, in the same underlying read

	r := mqtt.NewPacketReader(&buf, false, 1024)
	defer r.Close()

	pkt1, err := r.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, mqtt.PingResp{}, pkt1)

	pkt2, err := r.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, mqtt.PingResp{}, pkt2)
}
