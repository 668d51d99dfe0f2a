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

import "fmt"

// SipHashPrimitive is the default Primitive: it derives its to-server and
// from-server SipHash-2-4 keystreams from the four installed key halves via
// HKDF-SHA256, the same "collect handshake material, then KDF-expand it
// into link-crypto keys" shape the teacher uses for its ntor-derived
// framing.Encoder/Decoder keys.
type SipHashPrimitive struct {
	halves [2][2][]byte // halves[side][half]

	toServer   *keystream
	fromServer *keystream
}

// NewSipHashPrimitive returns an unkeyed primitive ready for InstallKey.
func NewSipHashPrimitive() *SipHashPrimitive {
	return &SipHashPrimitive{}
}

func (p *SipHashPrimitive) InstallKey(side Side, half int, key []byte) error {
	if side != SideClient && side != SideServer {
		return fmt.Errorf("cipher: unknown side %d", side)
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	p.halves[side][half] = buf
	return nil
}

func (p *SipHashPrimitive) Init() error {
	for side := 0; side < 2; side++ {
		for half := 0; half < 2; half++ {
			if p.halves[side][half] == nil {
				return fmt.Errorf("cipher: primitive init called with missing key half [%d][%d]", side, half)
			}
		}
	}

	ikm := make([]byte, 0, 4*KeyHalfLength)
	ikm = append(ikm, p.halves[SideClient][0]...)
	ikm = append(ikm, p.halves[SideClient][1]...)
	ikm = append(ikm, p.halves[SideServer][0]...)
	ikm = append(ikm, p.halves[SideServer][1]...)

	toServerKey, err := kdf(ikm, "gaterelay-to-server", 16)
	if err != nil {
		return err
	}
	fromServerKey, err := kdf(ikm, "gaterelay-from-server", 16)
	if err != nil {
		return err
	}

	p.toServer = newKeystream(toServerKey)
	p.fromServer = newKeystream(fromServerKey)

	// The raw key halves are only needed to derive the keystreams; drop
	// them so a heap scan can't recover them after Init.
	p.halves = [2][2][]byte{}

	return nil
}

func (p *SipHashPrimitive) Encrypt(buf []byte) {
	p.toServer.xor(buf)
}

func (p *SipHashPrimitive) Decrypt(buf []byte) {
	p.fromServer.xor(buf)
}
