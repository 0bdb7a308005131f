// Package tcp is the one concrete channel.Transport implementation this
// module carries: a net.Conn-backed duplex byte transport, wired to a
// channel.Channel the same way the teacher's eventloop wires a raw file
// descriptor to its ingress machinery, but via a dedicated reader goroutine
// instead of a user-space epoll/kqueue poller (see DESIGN.md's loop entry
// for why the poller itself wasn't carried forward).
package tcp

import (
	"net"
	"sync"

	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/loop"
	"github.com/joeycumines/go-mqttpipe/mqtterr"
	"github.com/joeycumines/go-mqttpipe/xlog"
)

// DefaultReadBufferSize is the size of the buffer each read syscall fills,
// matching the teacher's chunkSize default for pooled ingress reads.
const DefaultReadBufferSize = 32 * 1024

// Transport adapts a net.Conn to channel.Transport, pumping inbound bytes
// into the channel from a dedicated reader goroutine and writing outbound
// bytes synchronously on whatever goroutine calls WriteBytes (always the
// channel's loop thread, per the channel.Transport contract).
type Transport struct {
	conn   net.Conn
	ch     *channel.Channel
	logger *xlog.Logger

	readBufSize int
	readDemand  chan struct{}

	closeOnce sync.Once
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithReadBufferSize overrides DefaultReadBufferSize.
func WithReadBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readBufSize = n
		}
	}
}

// WithTransportLogger attaches a logger for read/write failures, independent
// of the channel.Channel's own logger (the transport fails before the
// channel necessarily has one, e.g. during the dial itself).
func WithTransportLogger(l *xlog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// NewChannel wraps conn as a channel.Transport and returns the bound
// Channel, ready for handlers to be installed before Register is called.
// tuneSocket best-effort enables TCP_NODELAY via the raw socket fd (see
// sockopts_linux.go); failure to tune is logged, never fatal, matching this
// module's "unknown/unsupported options are logged, not rejected" stance.
func NewChannel(conn net.Conn, l *loop.Loop, opts []Option, chOpts ...channel.Option) (*channel.Channel, *Transport) {
	t := &Transport{
		conn:        conn,
		readBufSize: DefaultReadBufferSize,
		readDemand:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = xlog.Or(t.logger)
	if err := tuneSocket(conn); err != nil && t.logger != nil {
		t.logger.Warning().Err(err).Log("socket tuning failed")
	}

	ch := channel.New(l, t, chOpts...)
	t.ch = ch
	return ch, t
}

// WriteBytes writes b to the connection. Called only from the channel's
// loop thread, per the channel.Transport contract.
func (t *Transport) WriteBytes(b []byte) error {
	_, err := t.conn.Write(b)
	if err != nil {
		return mqtterr.NewTransportError("write", err)
	}
	return nil
}

// FlushTransport is a no-op: net.Conn.Write already sends eagerly, so there
// is nothing this transport batches that a flush request needs to push out.
func (t *Transport) FlushTransport() error { return nil }

// RequestRead signals the reader goroutine to perform (or continue
// performing) one more read. Safe to call from any goroutine. Coalesces:
// a demand already pending is not duplicated.
func (t *Transport) RequestRead() {
	select {
	case t.readDemand <- struct{}{}:
	default:
	}
}

// CloseTransport closes the underlying connection, which in turn causes the
// reader goroutine's blocked Read to return an error and exit.
func (t *Transport) CloseTransport() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

// Start launches the reader goroutine. Called once, after the channel this
// Transport belongs to has been registered (so auto_read's first Read()
// from Channel.Register has already been requested, if enabled).
func (t *Transport) Start() {
	go t.readLoop()
}

func (t *Transport) readLoop() {
	buf := make([]byte, t.readBufSize)
	autoRead := t.ch.AutoRead()
	for {
		if !autoRead {
			if _, ok := <-t.readDemand; !ok {
				return
			}
		}
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.ch.WriteInbound(data)
		}
		if err != nil {
			t.ch.FireExceptionCaught(mqtterr.NewTransportError("read", err))
			t.ch.Close(nil)
			return
		}
	}
}
