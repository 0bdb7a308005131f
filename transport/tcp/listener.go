package tcp

import (
	"context"
	"net"

	"github.com/joeycumines/go-mqttpipe/channel"
	"github.com/joeycumines/go-mqttpipe/loop"
)

// Listener wraps a net.Listener, handing each accepted connection to a
// caller-supplied factory that builds the loop and pipeline for it. This is
// the shape cmd/mqttproxy's serve command drives directly.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr (host:port, or ":port" for all
// interfaces).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// NewConnChannel is called once per accepted connection by Serve, given the
// raw net.Conn and a fresh per-connection loop.Loop. Implementations install
// handlers and return the resulting Channel; NewChannel in this package is
// the usual way to build one.
type NewConnChannel func(conn net.Conn, l *loop.Loop) (*channel.Channel, *Transport, error)

// Serve accepts connections until Accept fails (for example because the
// listener was closed), calling newChannel for each one on its own
// goroutine-owned loop (one loop.Loop per connection, matching spec.md's
// "one event loop per channel" model — there is no shared reactor across
// connections). ctx is not watched by Serve itself; it is passed to each
// connection's loop.Run. onError, if non-nil, is called for every loop or
// channel-construction failure and for an error returned by a connection's
// loop.Run; an Accept failure is returned from Serve instead.
func (l *Listener) Serve(ctx context.Context, newChannel NewConnChannel, onError func(error)) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handleConn(ctx, conn, newChannel, onError)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, newChannel NewConnChannel, onError func(error)) {
	lp, err := loop.New()
	if err != nil {
		_ = conn.Close()
		if onError != nil {
			onError(err)
		}
		return
	}
	ch, tr, err := newChannel(conn, lp)
	if err != nil {
		_ = conn.Close()
		if onError != nil {
			onError(err)
		}
		return
	}
	ch.Register()
	tr.Start()
	if err := lp.Run(ctx); err != nil && onError != nil {
		onError(err)
	}
}
