package embedded

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mqttpipe/channel"
)

func TestEmbedded_WriteInboundIsReadableAtTail(t *testing.T) {
	ec, err := New(nil)
	require.NoError(t, err)

	ec.WriteInbound("hello", "world")

	assert.Equal(t, "hello", ec.ReadInbound())
	assert.Equal(t, "world", ec.ReadInbound())
	assert.Nil(t, ec.ReadInbound())
}

func TestEmbedded_WriteOutboundIsReadableFromTransport(t *testing.T) {
	ec, err := New(nil)
	require.NoError(t, err)

	ec.WriteOutbound([]byte("one"), []byte("two"))

	assert.Equal(t, []byte("one"), ec.ReadOutbound())
	assert.Equal(t, []byte("two"), ec.ReadOutbound())
	assert.Nil(t, ec.ReadOutbound())
}

func TestEmbedded_HandlerCanTransformBothDirections(t *testing.T) {
	ec, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, ec.Channel().Pipeline().AddFirst("upper", &upperHandler{}))

	ec.WriteInbound([]byte("abc"))
	assert.Equal(t, []byte("ABC"), ec.ReadInbound())

	ec.WriteOutbound([]byte("xyz"))
	assert.Equal(t, []byte("XYZ"), ec.ReadOutbound())
}

// upperHandler uppercases []byte payloads in both directions, installed
// ahead of the embedded sink so ReadInbound sees the transformed message.
type upperHandler struct {
	channel.DefaultOutboundHandler
}

func (upperHandler) ChannelRegistered(ctx channel.Context) { ctx.FireChannelRegistered() }
func (upperHandler) ChannelActive(ctx channel.Context)     { ctx.FireChannelActive() }
func (upperHandler) ChannelInactive(ctx channel.Context)   { ctx.FireChannelInactive() }
func (upperHandler) ChannelReadComplete(ctx channel.Context) {
	ctx.FireChannelReadComplete()
}
func (upperHandler) ExceptionCaught(ctx channel.Context, err error) { ctx.FireExceptionCaught(err) }
func (upperHandler) UserEvent(ctx channel.Context, evt any)         { ctx.FireUserEvent(evt) }

func (upperHandler) ChannelRead(ctx channel.Context, msg any) {
	ctx.FireChannelRead(toUpper(msg))
}

func (upperHandler) Write(ctx channel.Context, msg any, promise func(error)) {
	ctx.Write(toUpper(msg), promise)
}

func toUpper(msg any) any {
	b, ok := msg.([]byte)
	if !ok {
		return msg
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func TestEmbedded_RunScheduledPendingTasksFiresDueTimers(t *testing.T) {
	ec, err := New(nil)
	require.NoError(t, err)

	fired := false
	_, err = ec.Loop().Schedule(10*time.Millisecond, func() { fired = true })
	require.NoError(t, err)

	next, ok := ec.RunScheduledPendingTasks(time.Now())
	assert.True(t, ok)
	assert.False(t, fired)

	next, ok = ec.RunScheduledPendingTasks(time.Now().Add(20 * time.Millisecond))
	assert.False(t, ok)
	assert.True(t, fired)
	assert.True(t, next.IsZero())
}

func TestEmbedded_FinishReleasesUnreadMessagesAndReportsPending(t *testing.T) {
	ec, err := New(nil)
	require.NoError(t, err)

	ec.WriteInbound("unread")
	ec.WriteOutbound([]byte("unread"))

	hadPending := ec.Finish()
	assert.True(t, hadPending)
	assert.True(t, ec.Channel().IsClosed())

	ec2, err := New(nil)
	require.NoError(t, err)
	assert.False(t, ec2.Finish())
}

// TestEmbedded_WriteOutboundPumpsReadDemandOnce verifies spec.md's embedded-
// channel regression property: with auto_read disabled, a write made from
// inside a handler still produces exactly one read-demand request per
// outbound round-trip, so a manually-paced reader isn't permanently stalled
// by its own write.
func TestEmbedded_WriteOutboundPumpsReadDemandOnce(t *testing.T) {
	ec, err := New(nil, channel.WithAutoRead(false))
	require.NoError(t, err)

	assert.Equal(t, 0, ec.ReadRequests())

	ec.WriteOutbound([]byte("ping"))
	assert.Equal(t, 1, ec.ReadRequests())

	ec.WriteOutbound([]byte("pong"))
	assert.Equal(t, 2, ec.ReadRequests())
}

func TestEmbedded_AutoReadOffDoesNotPumpOnInboundWrite(t *testing.T) {
	ec, err := New(nil, channel.WithAutoRead(false))
	require.NoError(t, err)

	ec.WriteInbound("x")
	assert.Equal(t, 0, ec.ReadRequests())
}

func TestEmbedded_AutoReadOnRequestsReadAfterRegisterAndEachBatch(t *testing.T) {
	ec, err := New(nil, channel.WithAutoRead(true))
	require.NoError(t, err)

	// Register() already issued one demand before any messages arrived.
	assert.Equal(t, 1, ec.ReadRequests())

	ec.WriteInbound("a")
	assert.Equal(t, 2, ec.ReadRequests())
}
