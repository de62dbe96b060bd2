// Package wbuf implements the fixed-capacity staging buffer the profilers
// stream their events through.
//
// A WBuf accumulates bytes in a caller-supplied buffer and hands them to an
// injected writer whenever the buffer fills up or an explicit flush is
// requested. The producers appending into it run on the sample path, so the
// append primitives never allocate and never return errors; failures are
// recorded as sticky flags and later appends degrade to no-ops.
package wbuf

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sticky status flags. Once set they are never cleared for the lifetime of
// the buffer.
const (
	// FlagErrIO is set when the writer reported an I/O failure.
	FlagErrIO uint8 = 0x1
	// FlagStop is set when the writer signalled end-of-stream by nilling
	// the data slice.
	FlagStop uint8 = 0x2
)

// Writer consumes buffered bytes during a flush.
//
// It receives a pointer to the pending byte slice and returns the number of
// bytes it consumed. On a short return the flush loop re-invokes it with the
// remainder. The writer signals end-of-stream by setting *data to nil, and
// an I/O failure by returning 0 with a non-nil error carrying the errno
// (unix.EINTR is retried instead of being treated as a failure).
type Writer func(data *[]byte, ctx any) (int, error)

// WBuf is a fixed-capacity write buffer with flush-on-full semantics.
//
// The zero value is unusable; call Init first. WBuf is not safe for
// concurrent use: the profilers guarantee a single producer.
type WBuf struct {
	writer Writer
	ctx    any
	buf    []byte
	pos    int
	flags  uint8
	errno  unix.Errno
}

// Init prepares the buffer for use, resetting position and flags.
// The buffer storage is caller-owned and must stay alive until Terminate.
func (w *WBuf) Init(writer Writer, ctx any, buf []byte) {
	w.writer = writer
	w.ctx = ctx
	w.buf = buf
	w.pos = 0
	w.flags = 0
	w.errno = 0
}

// Terminate drops the buffer reference and inhibits all further operations.
func (w *WBuf) Terminate() {
	w.buf = nil
	w.pos = 0
	w.writer = nil
}

// TestFlag reports whether any flag in mask is set.
func (w *WBuf) TestFlag(mask uint8) bool {
	return w.flags&mask != 0
}

// Errno returns the error code captured when FlagErrIO was set.
func (w *WBuf) Errno() unix.Errno {
	return w.errno
}

// Buf exposes the underlying storage for handing back to on-stop callbacks.
// It is nil after Terminate or after the writer signalled end-of-stream.
func (w *WBuf) Buf() []byte {
	return w.buf
}

func (w *WBuf) broken() bool {
	return w.buf == nil || w.flags&(FlagErrIO|FlagStop) != 0
}

// Flush hands all pending bytes to the writer, honouring the retry
// protocol: short writes are re-issued with the remainder, EINTR retries
// unchanged, any other zero-byte return latches FlagErrIO with the errno.
func (w *WBuf) Flush() {
	if w.broken() || w.pos == 0 {
		return
	}
	data := w.buf[:w.pos]
	for len(data) > 0 {
		n, err := w.writer(&data, w.ctx)
		if data == nil {
			// End-of-stream requested by the writer. The storage is
			// gone from the writer's point of view, so drop ours too.
			w.flags |= FlagStop
			w.buf = nil
			w.pos = 0
			return
		}
		if n == 0 {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.flags |= FlagErrIO
			w.errno = errnoOf(err)
			return
		}
		data = data[n:]
	}
	w.pos = 0
}

// errnoOf extracts an errno from a writer error, falling back to EIO for
// writers that fail without one.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// reserve makes sure at least n bytes of space remain, flushing if needed.
// Returns false when the buffer is broken or can never hold n bytes.
func (w *WBuf) reserve(n int) bool {
	if w.broken() {
		return false
	}
	if len(w.buf)-w.pos < n {
		w.Flush()
		if w.broken() || len(w.buf)-w.pos < n {
			return false
		}
	}
	return true
}

// flushIfFull keeps the invariant that a full buffer flushes at once.
func (w *WBuf) flushIfFull() {
	if w.buf != nil && w.pos == len(w.buf) {
		w.Flush()
	}
}

// AddByte appends a single byte.
func (w *WBuf) AddByte(b byte) {
	if !w.reserve(1) {
		return
	}
	w.buf[w.pos] = b
	w.pos++
	w.flushIfFull()
}

// AddU64 appends v in ULEB128 encoding.
func (w *WBuf) AddU64(v uint64) {
	if !w.reserve(maxULEB128Len) {
		return
	}
	w.pos += putULEB128(w.buf[w.pos:], v)
	w.flushIfFull()
}

// AddN appends a raw byte sequence. Sequences larger than the whole buffer
// are streamed through it chunk by chunk.
func (w *WBuf) AddN(p []byte) {
	for len(p) > 0 {
		if w.broken() || len(w.buf) == 0 {
			return
		}
		free := len(w.buf) - w.pos
		if free == 0 {
			w.Flush()
			continue
		}
		n := copy(w.buf[w.pos:], p)
		w.pos += n
		p = p[n:]
		if w.pos == len(w.buf) {
			w.Flush()
		}
	}
}

// AddString appends a length-prefixed string: ULEB128 length followed by the
// raw bytes, no terminator.
func (w *WBuf) AddString(s string) {
	w.AddU64(uint64(len(s)))
	w.AddN([]byte(s))
}

// maxULEB128Len is the worst-case encoded size of a uint64.
const maxULEB128Len = 10

// putULEB128 encodes v into p and returns the number of bytes written.
// p must have room for maxULEB128Len bytes.
func putULEB128(p []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		p[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	p[i] = byte(v)
	return i + 1
}

// DecodeU64 decodes one ULEB128 integer from p, returning the value and the
// number of bytes consumed. It returns (0, 0) on truncated input. It exists
// for the consumers of the stream (and the tests that play that role).
func DecodeU64(p []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range p {
		if i == maxULEB128Len {
			return 0, 0
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
