// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet encodes and decodes the fields of datashare messages.
//
// Fixed-width integers are written in big-endian order. Strings and byte
// slices carry a [Vint30] length prefix. Raw data are written without framing
// and must come last.
//
// A [Reader] keeps the first error it encounters, and every later read on it
// reports a zero value. A message can therefore be decoded as a straight
// sequence of field reads, checking [Reader.Err] once at the end.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Writer accumulates the encoded fields of a message. The zero value is
// ready for use.
type Writer struct {
	buf []byte
}

// Byte appends a single byte.
func (w *Writer) Byte(v byte) { w.buf = append(w.buf, v) }

// Raw appends data without a length prefix.
func (w *Writer) Raw(data []byte) { w.buf = append(w.buf, data...) }

// Uint32 appends v in big-endian order.
func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// Uint64 appends v in big-endian order.
func (w *Writer) Uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// Int64 appends v in two's-complement big-endian order.
func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

// Vint30 appends n as a [Vint30]. It panics if n is out of range.
func (w *Writer) Vint30(n int) {
	if n < 0 || n > MaxVint30 {
		panic(fmt.Sprintf("packet: length %d out of range", n))
	}
	w.buf = Vint30(n).Append(w.buf)
}

// String appends s with its length prefix.
func (w *Writer) String(s string) {
	w.Grow(VLen(len(s)))
	w.Vint30(len(s))
	w.buf = append(w.buf, s...)
}

// Blob appends data with its length prefix.
func (w *Writer) Blob(data []byte) {
	w.Grow(VLen(len(data)))
	w.Vint30(len(data))
	w.buf = append(w.buf, data...)
}

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Data returns the bytes written so far. The slice is shared with w, so the
// caller must not modify it while w is still in use.
func (w *Writer) Data() []byte { return w.buf }

// Grow ensures that at least n more bytes fit without reallocating.
func (w *Writer) Grow(n int) {
	if want := len(w.buf) + n; cap(w.buf) < want {
		buf := make([]byte, len(w.buf), max(want, 2*cap(w.buf)))
		copy(buf, w.buf)
		w.buf = buf
	}
}

// A Reader decodes fields from the front of an encoded message.
type Reader struct {
	rest   []byte
	offset int
	err    error
}

// NewReader constructs a Reader that consumes data. Strings and blobs read
// from it may alias data, which the caller must not modify while they are in
// use.
func NewReader(data []byte) *Reader { return &Reader{rest: data} }

// Err reports the first error encountered by r, or nil.
func (r *Reader) Err() error { return r.err }

// Fail records err as the error of r, annotated with the current offset, if
// r has not already failed. Callers use it to reject fields that decode but
// are not valid.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("offset %d: %w", r.offset, err)
	}
}

// Len reports the number of unread bytes.
func (r *Reader) Len() int { return len(r.rest) }

// Offset reports the offset of the next unread byte.
func (r *Reader) Offset() int { return r.offset }

// Rest consumes and returns all the unread bytes, or nil if r has failed.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.rest
	r.offset += len(out)
	r.rest = nil
	return out
}

// take consumes n bytes for a field named what. It reports nil if r has
// failed or fewer than n bytes remain.
func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	} else if len(r.rest) < n {
		r.Fail(fmt.Errorf("%s truncated (%d < %d bytes): %w", what, len(r.rest), n, io.ErrUnexpectedEOF))
		return nil
	}
	out := r.rest[:n:n]
	r.offset += n
	r.rest = r.rest[n:]
	return out
}

// Byte reads a single byte.
func (r *Reader) Byte() byte {
	if b := r.take(1, "byte"); b != nil {
		return b[0]
	}
	return 0
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() uint32 {
	if b := r.take(4, "uint32"); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() uint64 {
	if b := r.take(8, "uint64"); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// Int64 reads a two's-complement big-endian int64.
func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

// Vint30 reads a [Vint30] value.
func (r *Reader) Vint30() int {
	if r.err != nil {
		return 0
	} else if len(r.rest) == 0 {
		r.Fail(fmt.Errorf("missing length: %w", io.ErrUnexpectedEOF))
		return 0
	}
	nb, v := ParseVint30(r.rest)
	if nb < 0 {
		r.Fail(fmt.Errorf("length truncated: %w", io.ErrUnexpectedEOF))
		return 0
	}
	r.offset += nb
	r.rest = r.rest[nb:]
	return int(v)
}

// String reads a length-prefixed string.
func (r *Reader) String() string { return string(r.Blob()) }

// Blob reads a length-prefixed byte slice. The result aliases the input.
func (r *Reader) Blob() []byte {
	n := r.Vint30()
	if r.err != nil {
		return nil
	}
	return r.take(n, "value")
}

// VLen reports the encoded size in bytes of a length-prefixed value of n bytes.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to 4
// bytes. The value is shifted left two bits, the low bits record the number of
// bytes beyond the first, and the result is written in little-endian order.
//
//	v < 2^6   1 byte
//	v < 2^14  2 bytes
//	v < 2^22  3 bytes
//	v < 2^30  4 bytes
type Vint30 uint32

// MaxVint30 is the largest value that a Vint30 can encode.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded length of v in bytes, or -1 if v is too large.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	}
	return -1
}

// Append appends the encoding of v to buf and returns the extended slice.
// It panics if v is too large.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("packet: Vint30 value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// ParseVint30 decodes a Vint30 from the front of buf. It reports the number of
// bytes consumed, or -1 if buf does not hold a complete encoding.
func ParseVint30(buf []byte) (int, Vint30) {
	if len(buf) == 0 {
		return -1, 0
	}
	n := int(buf[0]&3) + 1
	if len(buf) < n {
		return -1, 0
	}
	var w uint32
	for i := n - 1; i >= 0; i-- {
		w = w<<8 | uint32(buf[i])
	}
	return n, Vint30(w >> 2)
}
