package mqtt

import (
	"io"

	"github.com/joeycumines/go-mqttpipe/buf"
)

// PacketWriter encodes and writes Packet values directly to an
// io.Writer, for callers that want blocking request/response semantics
// without standing up a full channel.Channel/pipeline (e.g. a one-shot
// health-check probe).
type PacketWriter struct {
	w io.Writer
}

// NewPacketWriter wraps w.
func NewPacketWriter(w io.Writer) *PacketWriter { return &PacketWriter{w: w} }

// WritePacket encodes pkt and writes every resulting buffer to the
// underlying writer in order, releasing each as it's consumed.
func (pw *PacketWriter) WritePacket(pkt Packet) error {
	enc, err := Encode(pkt)
	if err != nil {
		return err
	}
	for _, b := range enc.Buffers() {
		_, werr := pw.w.Write(b.Bytes())
		b.Release()
		if werr != nil {
			return werr
		}
	}
	return nil
}

const packetReaderInitialSize = 4096

// PacketReader reads bytes from an io.Reader and decodes Packet values one
// at a time, blocking on additional Read calls until a complete packet is
// available. It is the blocking counterpart to Decoder, for the same
// request/response use case as PacketWriter.
type PacketReader struct {
	r       io.Reader
	dec     *Decoder
	acc     *buf.Buffer
	pending []Packet
}

// NewPacketReader wraps r. isServer/maxMessageSize configure the underlying
// Decoder exactly as they would a channel.Channel's.
func NewPacketReader(r io.Reader, isServer bool, maxMessageSize uint32) *PacketReader {
	return &PacketReader{
		r:   r,
		dec: NewDecoder(isServer, maxMessageSize),
		acc: buf.Allocate(packetReaderInitialSize),
	}
}

// ReadPacket blocks until one complete Packet has been decoded, returning
// it, or returns the first error from either the underlying Reader or the
// Decoder. Any extra packets decoded from the same underlying Read are
// queued and returned by subsequent calls before more data is read.
func (pr *PacketReader) ReadPacket() (Packet, error) {
	if len(pr.pending) > 0 {
		pkt := pr.pending[0]
		pr.pending = pr.pending[1:]
		return pkt, nil
	}

	chunk := make([]byte, packetReaderInitialSize)
	for len(pr.pending) == 0 {
		n, err := pr.r.Read(chunk)
		if n > 0 {
			pr.ensureRoom(n)
			_ = pr.acc.WriteBytes(chunk[:n])
			if decErr := pr.dec.Decode(pr.acc, func(pkt Packet) {
				pr.pending = append(pr.pending, pkt)
			}); decErr != nil {
				return nil, decErr
			}
		}
		if len(pr.pending) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	pkt := pr.pending[0]
	pr.pending = pr.pending[1:]
	return pkt, nil
}

// Close releases the reader's internal accumulator.
func (pr *PacketReader) Close() error {
	pr.acc.Release()
	return nil
}

// ensureRoom grows the accumulator by compacting its unread [reader,
// writer) window down to a fresh buffer starting at reader index 0. That
// shifts every absolute index into the accumulator back by the old reader
// position, including the decoder's internal replay checkpoint, so the
// decoder is told about the shift via Compact before the old accumulator
// is released.
func (pr *PacketReader) ensureRoom(n int) {
	if pr.acc.WritableBytes() >= n {
		return
	}
	readable := pr.acc.ReadableBytes()
	needed := readable + n
	size := pr.acc.Capacity() * 2
	if size < needed {
		size = needed
	}
	delta := pr.acc.ReaderIndex()
	fresh := buf.Allocate(size)
	_ = fresh.WriteBytes(pr.acc.Bytes())
	pr.acc.Release()
	pr.acc = fresh
	pr.dec.Compact(delta)
}
