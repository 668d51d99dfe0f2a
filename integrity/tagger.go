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

// Package integrity implements the per-connection integrity tagger: for
// designated opcodes it writes a checksum/padding tag into the trailing
// bytes of an outbound message, before that message is encrypted.
//
// The tag is a Poly1305 one-time MAC (golang.org/x/crypto/poly1305), the
// same primitive the teacher's NaCl secretbox framing authenticates each
// frame with; here it signs a plaintext tail instead of sealing a whole
// AEAD box.
package integrity

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"
)

// TagLength is the number of trailing bytes Apply overwrites with the tag.
const TagLength = poly1305.TagSize // 16

// ErrNotSeeded is returned by Apply when the tagger was constructed for a
// later protocol generation and has not yet observed the login message that
// supplies its seed.
var ErrNotSeeded = fmt.Errorf("integrity: tagger has no seed yet")

// Tagger computes and writes integrity tags into outbound messages.
type Tagger struct {
	key *[32]byte // derived Poly1305 key, nil until seeded
}

// New constructs a Tagger. For protocol generations where the seed is known
// up front, pass it directly. For generations where the seed only becomes
// available from an inbound login message, pass nil and call Seed later;
// Apply returns ErrNotSeeded in the meantime (spec.md §4.3: "until then
// outbound messages are sent untagged").
func New(seed []byte) (*Tagger, error) {
	t := &Tagger{}
	if seed != nil {
		if err := t.Seed(seed); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Seed derives the tagger's Poly1305 key from seed material observed on the
// wire. Safe to call at most once in practice (later generations derive it
// from one specific inbound login message), but re-deriving is not itself
// an error.
func (t *Tagger) Seed(seed []byte) error {
	r := hkdf.New(sha256.New, seed, nil, []byte("gaterelay-integrity-tag"))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return err
	}
	t.key = &key
	return nil
}

// Seeded reports whether the tagger has derived its key yet.
func (t *Tagger) Seeded() bool {
	return t.key != nil
}

// Apply writes a Poly1305 tag over buf[:len(buf)-TagLength] into
// buf[len(buf)-TagLength:]. buf must be at least TagLength bytes long.
// Returns ErrNotSeeded if the tagger has no key yet; the caller is expected
// to send the message untagged in that case, not to fail the connection.
func (t *Tagger) Apply(buf []byte, opcode uint16) error {
	if t.key == nil {
		return ErrNotSeeded
	}
	if len(buf) < TagLength {
		return fmt.Errorf("integrity: message of %d bytes is shorter than the %d-byte tag", len(buf), TagLength)
	}

	body := buf[:len(buf)-TagLength]
	var tag [TagLength]byte
	poly1305.Sum(&tag, body, t.key)
	copy(buf[len(buf)-TagLength:], tag[:])
	return nil
}

/* vim :set ts=4 sw=4 sts=4 noet : */
