package loop

import (
	"bytes"
	"runtime"
	"strconv"
)

// getGoroutineID extracts the calling goroutine's id from runtime.Stack,
// exactly as the teacher package does in eventloop/loop.go: there is no
// supported Go API for this, and the goroutineid companion package in the
// same monorepo ships no implementation of its own to borrow, so this stays
// the pragmatic, if slightly hacky, way to assert thread affinity.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
