// SPDX-FileCopyrightText: 2023-2024 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

// Package tlv implements the BER-TLV encoding used by ISO7816-4 and the PIV
// data model, together with the primitive big-endian readers and writers the
// rest of the module builds its wire formats from.
//
// Tags are handled by their raw encoded value: a three byte tag like
// 0x5F C1 02 is written and returned as the integer 0x5FC102. The first tag
// byte signals a multi-byte tag when its low five bits are all set; the high
// bit of each following byte marks a continuation.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a read runs past the end of the input.
	ErrTruncated = errors.New("truncated data")

	// ErrLength is returned for BER lengths this package cannot represent
	// (the indefinite form or more than three length bytes) and for tags
	// longer than three bytes. Non-minimal long forms are accepted.
	ErrLength = errors.New("invalid length encoding")

	errUnbalancedPop = errors.New("pop without matching push")
)

// tagLen returns the number of bytes the encoded tag value occupies.
func tagLen(tag uint32) int {
	switch {
	case tag <= 0xff:
		return 1
	case tag <= 0xffff:
		return 2
	default:
		return 3
	}
}

func appendTag(b []byte, tag uint32) []byte {
	switch tagLen(tag) {
	case 1:
		return append(b, byte(tag))
	case 2:
		return append(b, byte(tag>>8), byte(tag))
	default:
		return append(b, byte(tag>>16), byte(tag>>8), byte(tag))
	}
}

func appendLength(b []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(b, byte(n))
	case n <= 0xff:
		return append(b, 0x81, byte(n))
	case n <= 0xffff:
		return append(b, 0x82, byte(n>>8), byte(n))
	default:
		return append(b, 0x83, byte(n>>16), byte(n>>8), byte(n))
	}
}

// Buffer is an append-only encoder for TLV structures and the length-prefixed
// primitives used by the box wire format. The zero value is ready for use.
type Buffer struct {
	b     []byte
	stack []int // value start offsets of open constructed tags
}

// New returns an empty Buffer.
func New() *Buffer { return &Buffer{} }

// Bytes returns the encoded contents. The slice aliases the Buffer and is
// only valid until the next write.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.b) }

func (b *Buffer) WriteByte8(v uint8)  { b.b = append(b.b, v) }
func (b *Buffer) WriteByte16(v uint16) {
	b.b = binary.BigEndian.AppendUint16(b.b, v)
}
func (b *Buffer) WriteByte32(v uint32) {
	b.b = binary.BigEndian.AppendUint32(b.b, v)
}

func (b *Buffer) WriteBytes(p []byte) { b.b = append(b.b, p...) }

// WriteString8 writes p prefixed with its one byte length.
func (b *Buffer) WriteString8(p []byte) {
	b.WriteByte8(uint8(len(p)))
	b.WriteBytes(p)
}

// WriteString16 writes p prefixed with its two byte big-endian length.
func (b *Buffer) WriteString16(p []byte) {
	b.WriteByte16(uint16(len(p)))
	b.WriteBytes(p)
}

// WriteString32 writes p as an SSH wire format string: a four byte
// big-endian length followed by the bytes.
func (b *Buffer) WriteString32(p []byte) {
	b.WriteByte32(uint32(len(p)))
	b.WriteBytes(p)
}

// WriteTag writes the raw tag bytes without a length. Most callers want
// WriteTLV or Push instead.
func (b *Buffer) WriteTag(tag uint32) { b.b = appendTag(b.b, tag) }

// WriteTLV writes a complete primitive TLV.
func (b *Buffer) WriteTLV(tag uint32, value []byte) {
	b.b = appendTag(b.b, tag)
	b.b = appendLength(b.b, len(value))
	b.b = append(b.b, value...)
}

// Push opens a constructed tag. Writes that follow become the value; Pop
// closes the tag and backpatches its definite length.
func (b *Buffer) Push(tag uint32) {
	b.b = appendTag(b.b, tag)
	b.stack = append(b.stack, len(b.b))
}

// Pop closes the most recently pushed tag, inserting the encoded length of
// everything written since the matching Push.
func (b *Buffer) Pop() error {
	if len(b.stack) == 0 {
		return errUnbalancedPop
	}

	start := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]

	l := appendLength(nil, len(b.b)-start)
	b.b = append(b.b, l...) // grow
	copy(b.b[start+len(l):], b.b[start:])
	copy(b.b[start:], l)

	return nil
}

// Reader is a destructive cursor over a byte string. Every read consumes
// from the front; reads past the end fail with ErrTruncated.
type Reader struct {
	b []byte
}

// NewReader returns a Reader over b. The Reader does not copy b.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.b) }

// Rest consumes and returns all remaining bytes.
func (r *Reader) Rest() []byte {
	p := r.b
	r.b = nil
	return p
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > len(r.b) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(r.b))
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p, nil
}

func (r *Reader) ReadByte8() (uint8, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *Reader) ReadByte16() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *Reader) ReadByte32() (uint32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadBytes consumes exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.take(n)
}

func (r *Reader) ReadString8() ([]byte, error) {
	n, err := r.ReadByte8()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *Reader) ReadString16() ([]byte, error) {
	n, err := r.ReadByte16()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// ReadString32 reads an SSH wire format string.
func (r *Reader) ReadString32() ([]byte, error) {
	n, err := r.ReadByte32()
	if err != nil {
		return nil, err
	}
	if n > uint32(len(r.b)) {
		return nil, fmt.Errorf("%w: string of %d bytes, have %d", ErrTruncated, n, len(r.b))
	}
	return r.take(int(n))
}

// ReadTag reads a one to three byte BER tag and returns its raw encoded
// value.
func (r *Reader) ReadTag() (uint32, error) {
	b0, err := r.ReadByte8()
	if err != nil {
		return 0, err
	}

	tag := uint32(b0)
	if b0&0x1f != 0x1f {
		return tag, nil
	}

	for i := 0; i < 2; i++ {
		bn, err := r.ReadByte8()
		if err != nil {
			return 0, err
		}
		tag = tag<<8 | uint32(bn)
		if bn&0x80 == 0 {
			return tag, nil
		}
	}

	return 0, fmt.Errorf("%w: tag longer than 3 bytes", ErrLength)
}

// ReadLength reads a BER length: either a single byte below 0x80 or a long
// form 0x81..0x83 followed by that many big-endian length bytes.
func (r *Reader) ReadLength() (int, error) {
	b0, err := r.ReadByte8()
	if err != nil {
		return 0, err
	}

	if b0&0x80 == 0 {
		return int(b0), nil
	}

	n := int(b0 & 0x7f)
	if n < 1 || n > 3 {
		return 0, fmt.Errorf("%w: %d length bytes", ErrLength, n)
	}

	p, err := r.take(n)
	if err != nil {
		return 0, err
	}

	l := 0
	for _, c := range p {
		l = l<<8 | int(c)
	}
	return l, nil
}

// ReadTLV reads one complete TLV and returns its tag and a child Reader
// scoped to the value.
func (r *Reader) ReadTLV() (uint32, *Reader, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return 0, nil, err
	}

	l, err := r.ReadLength()
	if err != nil {
		return 0, nil, err
	}

	v, err := r.take(l)
	if err != nil {
		return 0, nil, err
	}

	return tag, NewReader(v), nil
}

// Get scans the TLVs remaining in r for the given tag and returns its value.
// The cursor is consumed regardless of the outcome.
func (r *Reader) Get(tag uint32) ([]byte, bool) {
	for r.Len() > 0 {
		t, child, err := r.ReadTLV()
		if err != nil {
			return nil, false
		}
		if t == tag {
			return child.Rest(), true
		}
	}
	return nil, false
}
