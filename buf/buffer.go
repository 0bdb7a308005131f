// Package buf implements component A of the pipeline: a reference-counted,
// pooled byte region with independent reader and writer cursors.
//
// The design follows the teacher package's ChunkedIngress/chunkPool
// treatment in eventloop/ingress.go: a sync.Pool of backing arrays, an
// atomic reference count guarding a single 1->0 release transition, and
// plain (non-atomic) cursor fields because a Buffer is never read from one
// goroutine while being written from another — ownership transfers, it is
// never shared live.
package buf

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-mqttpipe/mqtterr"
)

// poolBucket is the capacity of backing arrays recycled through pool. Buffers
// larger than this are allocated directly and not returned to the pool,
// mirroring the teacher's chunk-size tradeoff (fixed recyclable size, direct
// allocation for outliers).
const poolBucket = 4096

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, poolBucket)
		return &b
	},
}

// getBacking returns a backing array of at least n bytes, from the pool when
// n fits the recyclable bucket size.
func getBacking(n int) []byte {
	if n <= poolBucket {
		p := pool.Get().(*[]byte)
		return (*p)[:n]
	}
	return make([]byte, n)
}

func putBacking(b []byte) {
	if cap(b) == poolBucket {
		b = b[:poolBucket]
		pool.Put(&b)
	}
}

// shared is the storage and refcount state backing one or more Buffer
// cursors (duplicates share a shared; slices share a shared over a
// sub-range). It is released back to the pool exactly once, when refs
// drops to zero.
type shared struct {
	data []byte
	refs atomic.Int64
}

func newShared(n int) *shared {
	s := &shared{data: getBacking(n)}
	s.refs.Store(1)
	return s
}

// release decrements refs and returns true exactly once, the instant the
// count reaches zero; the backing array is returned to the pool at that
// point. Calling release after it has already returned true is a caller
// bug and panics, matching the invariant "reference count transitions 1->0
// exactly once; after release the buffer may not be accessed."
func (s *shared) release() bool {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("mqttpipe/buf: release called more times than retain")
	}
	if n == 0 {
		putBacking(s.data)
		s.data = nil
		return true
	}
	return false
}

func (s *shared) retain() {
	s.refs.Add(1)
}

func (s *shared) retainN(k int) {
	s.refs.Add(int64(k))
}

func (s *shared) live() bool {
	return s.refs.Load() > 0
}

// Buffer is a ref-counted byte region with independent reader and writer
// cursors over a window [offset, offset+capacity) of a shared backing array.
// The invariant reader <= writer <= capacity is maintained by every mutating
// method.
//
// A Buffer is not safe for concurrent use by multiple goroutines; ownership
// of a Buffer (and the right to call its mutating methods) passes between
// handlers exactly as a regular Go value would, the reference count only
// governs when the backing storage itself may be recycled.
type Buffer struct {
	s        *shared
	offset   int // start of this view's window within s.data
	capacity int // length of this view's window
	reader   int // read cursor, relative to offset
	writer   int // write cursor, relative to offset
}

// Allocate returns a new Buffer with the given capacity and a fresh
// reference count of 1.
func Allocate(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		s:        newShared(capacity),
		capacity: capacity,
	}
}

// WrapBytes returns a Buffer that takes ownership of b directly (no copy),
// with writer already at len(b) so the whole slice is immediately readable.
// b must not be modified by the caller afterwards.
func WrapBytes(b []byte) *Buffer {
	s := &shared{data: b}
	s.refs.Store(1)
	return &Buffer{s: s, capacity: len(b), writer: len(b)}
}

func (b *Buffer) checkLive() {
	if b.s == nil || !b.s.live() {
		panic(mqtterr.ErrBufferReleased)
	}
}

func (b *Buffer) window() []byte {
	return b.s.data[b.offset : b.offset+b.capacity]
}

// Capacity returns the total addressable size of this view.
func (b *Buffer) Capacity() int {
	b.checkLive()
	return b.capacity
}

// ReaderIndex returns the current read cursor.
func (b *Buffer) ReaderIndex() int {
	b.checkLive()
	return b.reader
}

// WriterIndex returns the current write cursor.
func (b *Buffer) WriterIndex() int {
	b.checkLive()
	return b.writer
}

// SetReaderIndex moves the read cursor, for checkpoint rollback. Panics if
// out of [0, writer] range.
func (b *Buffer) SetReaderIndex(idx int) {
	b.checkLive()
	if idx < 0 || idx > b.writer {
		panic("mqttpipe/buf: reader index out of range")
	}
	b.reader = idx
}

// SetWriterIndex moves the write cursor directly; used by decoders that
// peek ahead then commit. Panics if out of [reader, capacity] range.
func (b *Buffer) SetWriterIndex(idx int) {
	b.checkLive()
	if idx < b.reader || idx > b.capacity {
		panic("mqttpipe/buf: writer index out of range")
	}
	b.writer = idx
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int {
	b.checkLive()
	return b.writer - b.reader
}

// WritableBytes returns the remaining capacity available to write.
func (b *Buffer) WritableBytes() int {
	b.checkLive()
	return b.capacity - b.writer
}

// IsReadable reports whether at least n more bytes can be read.
func (b *Buffer) IsReadable(n int) bool {
	b.checkLive()
	return b.writer-b.reader >= n
}

// ReadByte reads and consumes a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	b.checkLive()
	if !b.IsReadable(1) {
		return 0, mqtterr.ErrUnderflow
	}
	v := b.window()[b.reader]
	b.reader++
	return v, nil
}

// ReadU16BE reads and consumes a big-endian 16-bit unsigned integer.
func (b *Buffer) ReadU16BE() (uint16, error) {
	b.checkLive()
	if !b.IsReadable(2) {
		return 0, mqtterr.ErrUnderflow
	}
	v := binary.BigEndian.Uint16(b.window()[b.reader : b.reader+2])
	b.reader += 2
	return v, nil
}

// ReadBytesInto consumes len(dst) bytes into dst.
func (b *Buffer) ReadBytesInto(dst []byte) error {
	b.checkLive()
	if !b.IsReadable(len(dst)) {
		return mqtterr.ErrUnderflow
	}
	copy(dst, b.window()[b.reader:b.reader+len(dst)])
	b.reader += len(dst)
	return nil
}

// ReadSlice returns a zero-copy view of the next n readable bytes, sharing
// backing storage and reference count with b, and advances b's reader
// cursor past them. The caller receives ownership of one implicit retain:
// the returned Buffer's independent release does not affect b directly,
// but both share the same underlying refcount, so the backing array is not
// recycled until every slice/duplicate/original has released.
func (b *Buffer) ReadSlice(n int) (*Buffer, error) {
	b.checkLive()
	if !b.IsReadable(n) {
		return nil, mqtterr.ErrUnderflow
	}
	start := b.offset + b.reader
	b.reader += n
	b.s.retain()
	return &Buffer{s: b.s, offset: start, capacity: n, writer: n}, nil
}

// Skip advances the reader cursor by n bytes without copying them anywhere.
func (b *Buffer) Skip(n int) error {
	b.checkLive()
	if !b.IsReadable(n) {
		return mqtterr.ErrUnderflow
	}
	b.reader += n
	return nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(v byte) error {
	b.checkLive()
	if b.WritableBytes() < 1 {
		return mqtterr.ErrOverflow
	}
	b.window()[b.writer] = v
	b.writer++
	return nil
}

// WriteU16BE appends a big-endian 16-bit unsigned integer.
func (b *Buffer) WriteU16BE(v uint16) error {
	b.checkLive()
	if b.WritableBytes() < 2 {
		return mqtterr.ErrOverflow
	}
	binary.BigEndian.PutUint16(b.window()[b.writer:b.writer+2], v)
	b.writer += 2
	return nil
}

// WriteBytes appends src in full.
func (b *Buffer) WriteBytes(src []byte) error {
	b.checkLive()
	if b.WritableBytes() < len(src) {
		return mqtterr.ErrOverflow
	}
	copy(b.window()[b.writer:], src)
	b.writer += len(src)
	return nil
}

// Bytes returns the readable region as a slice sharing storage with b. The
// slice is only valid until b's next mutating call or release.
func (b *Buffer) Bytes() []byte {
	b.checkLive()
	return b.window()[b.reader:b.writer]
}

// Duplicate returns a new Buffer sharing storage and reference count with b,
// but with independent reader/writer cursors initialized to b's current
// cursors.
func (b *Buffer) Duplicate() *Buffer {
	b.checkLive()
	b.s.retain()
	return &Buffer{s: b.s, offset: b.offset, capacity: b.capacity, reader: b.reader, writer: b.writer}
}

// Copy returns a new Buffer with freshly allocated storage containing a copy
// of b's readable bytes; the copy has its own reference count of 1 and does
// not share storage with b.
func (b *Buffer) Copy() *Buffer {
	b.checkLive()
	n := b.ReadableBytes()
	out := Allocate(n)
	_ = out.WriteBytes(b.window()[b.reader:b.writer])
	return out
}

// Retain increments the shared reference count by one and returns b, for
// chaining at a handoff point.
func (b *Buffer) Retain() *Buffer {
	b.checkLive()
	b.s.retain()
	return b
}

// RetainN increments the shared reference count by k.
func (b *Buffer) RetainN(k int) *Buffer {
	b.checkLive()
	b.s.retainN(k)
	return b
}

// Release decrements the shared reference count, returning true exactly
// when it reaches zero (the backing array has just been recycled). After a
// call that returns true, b and every other Buffer sharing its shared must
// not be accessed again.
func (b *Buffer) Release() bool {
	if b.s == nil {
		return false
	}
	done := b.s.release()
	if done {
		b.s = nil
	}
	return done
}

// RefCount returns the current shared reference count, for tests and leak
// diagnostics.
func (b *Buffer) RefCount() int64 {
	if b.s == nil {
		return 0
	}
	return b.s.refs.Load()
}

// Touch is an observational no-op retained for parity with the teacher
// allocator's leak-tracking hooks; it records no state here since this
// module does not implement leak detection (spec.md section 1 marks leak
// detection wiring out of scope), but gives callers hoping to annotate a
// buffer's journey through the pipeline a place to do it without reaching
// into internals.
func (b *Buffer) Touch(hint string) *Buffer {
	b.checkLive()
	_ = hint
	return b
}
