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

package cipher

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// keystream is a SipHash-2-4 counter-mode keystream generator: the default
// Primitive's to-server and from-server states are each one of these. This
// reuses the teacher's framing.Encoder/Decoder trick of hashing a counter
// with SipHash-2-4 to produce pseudo-random bytes, redirected here from
// obfuscating a length field to generating a full keystream.
type keystream struct {
	k0, k1  uint64
	counter uint64
	leftover []byte // unused bytes from the last generated block
}

func newKeystream(key []byte) *keystream {
	return &keystream{
		k0: binary.LittleEndian.Uint64(key[0:8]),
		k1: binary.LittleEndian.Uint64(key[8:16]),
	}
}

// xor advances the keystream by len(buf) bytes, transforming buf in place.
func (k *keystream) xor(buf []byte) {
	pos := 0

	if n := len(k.leftover); n > 0 {
		use := n
		if use > len(buf) {
			use = len(buf)
		}
		for i := 0; i < use; i++ {
			buf[i] ^= k.leftover[i]
		}
		k.leftover = k.leftover[use:]
		pos = use
	}

	var counterBytes [8]byte
	for pos < len(buf) {
		binary.LittleEndian.PutUint64(counterBytes[:], k.counter)
		k.counter++

		block := siphash.Hash(k.k0, k.k1, counterBytes[:])
		var blockBytes [8]byte
		binary.LittleEndian.PutUint64(blockBytes[:], block)

		n := len(buf) - pos
		if n > 8 {
			n = 8
		}
		for i := 0; i < n; i++ {
			buf[pos+i] ^= blockBytes[i]
		}
		pos += n

		if n < 8 {
			k.leftover = append([]byte{}, blockBytes[n:]...)
		}
	}
}
