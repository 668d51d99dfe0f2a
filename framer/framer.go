/*
 * Copyright (c) 2024, gaterelay authors.
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions are met:
 *
 *  * Redistributions of source code must retain the above copyright notice,
 *    this list of conditions and the following disclaimer.
 *
 *  * Redistributions in binary form must reproduce the above copyright notice,
 *    this list of conditions and the following disclaimer in the documentation
 *    and/or other materials provided with the distribution.
 *
 * THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
 * AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
 * LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
 * CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
 * SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
 * INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
 * CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
 * ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
 * POSSIBILITY OF SUCH DAMAGE.
 */

// Package framer implements the steady-state message framing: a decrypted
// byte stream is delimited into whole length-prefixed messages, one
// complete message per Read call. A message is
//
//	[length: u16][opcode: u16][payload: length-4 bytes]
//
// where length counts the whole message including the 4-byte header.
package framer

import (
	"encoding/binary"
	"fmt"
)

// ShortMessageError is returned when the declared length of a pending
// message is smaller than the 4-byte header it must at least contain. This
// is a protocol error: the connection that produced it MUST be closed.
type ShortMessageError int

func (e ShortMessageError) Error() string {
	return fmt.Sprintf("framer: declared message length %d is shorter than the 4-byte header", int(e))
}

// Framer accepts arbitrary byte slices in arrival order and yields whole
// messages. It is single-producer, single-consumer and keeps no internal
// locking, matching the single-threaded-per-connection model of spec.md §5.
//
// A Framer's width/endianness of the length field is parameterised via
// ByteOrder so that platform variants (e.g. big-endian length fields) can
// reuse the same accumulate-and-scan logic; only one variant is assumed
// to exist per connection.
type Framer struct {
	order ByteOrder
	buf   []byte
}

// ByteOrder is the subset of encoding/binary.ByteOrder the framer needs to
// read a 16-bit length field. encoding/binary.LittleEndian and BigEndian
// both satisfy it.
type ByteOrder interface {
	Uint16([]byte) uint16
}

// New returns a Framer using the little-endian 16-bit length field that the
// steady-state wire format specifies.
func New() *Framer {
	return NewWithOrder(binary.LittleEndian)
}

// NewWithOrder returns a Framer using a non-default length-field byte order
// (the platform variant mentioned in spec.md §4.1).
func NewWithOrder(order ByteOrder) *Framer {
	return &Framer{order: order}
}

// Write appends newly arrived bytes to the pending buffer. It never fails:
// bad lengths are only detected when Read tries to delimit a message.
func (f *Framer) Write(data []byte) {
	f.buf = append(f.buf, data...)
}

// Read returns the next complete message in the pending buffer, or ok=false
// if no complete message has arrived yet. The returned slice is borrowed:
// it aliases the Framer's internal buffer and is only valid until the next
// call to Write or Read. Callers that need to retain it must copy.
//
// Repeated calls drain all currently buffered complete messages; callers
// should loop on Read until ok is false.
func (f *Framer) Read() (msg []byte, ok bool, err error) {
	if len(f.buf) < 2 {
		return nil, false, nil
	}

	length := int(f.order.Uint16(f.buf[0:2]))
	if length < 4 {
		return nil, false, ShortMessageError(length)
	}
	if len(f.buf) < length {
		return nil, false, nil
	}

	msg = f.buf[:length]
	f.buf = f.buf[length:]
	return msg, true, nil
}

// Pending reports how many bytes are buffered but not yet delimited into a
// message (a partial message, or nothing at all).
func (f *Framer) Pending() int {
	return len(f.buf)
}

/* vim :set ts=4 sw=4 sts=4 noet : */
