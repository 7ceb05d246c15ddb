// Package wire holds the little-endian byte buffer helpers shared by the
// frame codecs. Readers carry a sticky error so a decoder can read every
// field and check once at the end.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShort is returned when a frame ends before all fields were read.
var ErrShort = errors.New("wire: frame too short")

// Writer appends little-endian fields to a byte slice.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given capacity hint.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) U8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) U16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) U32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) U64(v uint64) *Writer {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
	return w
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Bool writes 1 or 0.
func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.U8(1)
	}
	return w.U8(0)
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Buf returns the written bytes.
func (w *Writer) Buf() []byte { return w.buf }

// Reader consumes little-endian fields from a byte slice.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader creates a reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Bool() bool {
	return r.U8() != 0
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Array16 reads a 16-byte array (keys).
func (r *Reader) Array16() (a [16]byte) {
	copy(a[:], r.take(16))
	return a
}

// Rest returns a copy of everything not yet read.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	b := append([]byte(nil), r.buf[r.off:]...)
	r.off = len(r.buf)
	return b
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Err returns ErrShort if any read ran past the end.
func (r *Reader) Err() error { return r.err }
