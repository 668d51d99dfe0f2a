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

// Package cipher implements the per-connection CipherSession: the state
// machine that collects the four 128-byte key halves exchanged during the
// handshake (two from the client side, two from the server side), and,
// once all four are present, initialises a bidirectional keystream that
// transforms outbound ("to server") and inbound ("from server") buffers in
// place.
//
// The keystream generation itself is treated as an external, swappable
// Primitive (spec.md §6); Session only sequences it the way the teacher's
// Obfs4Conn sequences its framing.Encoder/Decoder pair.
package cipher

import "fmt"

const KeyHalfLength = 128

// Side identifies which peer contributed a key half.
type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

type state int

const (
	stateEmpty state = iota
	stateHalfKeyed
	stateFull
	stateReady
)

// WrongKeyLengthError is returned by Install when the supplied key half is
// not exactly KeyHalfLength bytes.
type WrongKeyLengthError int

func (e WrongKeyLengthError) Error() string {
	return fmt.Sprintf("cipher: key half must be %d bytes, got %d", KeyHalfLength, int(e))
}

// SlotFilledError is returned by Install when the targeted slot already
// holds a key half.
type SlotFilledError struct {
	Side Side
	Half int
}

func (e SlotFilledError) Error() string {
	return fmt.Sprintf("cipher: %s key half %d is already installed", e.Side, e.Half)
}

// NotReadyError is returned by Init or by a transform method when the
// session has not reached the state the operation requires.
type NotReadyError string

func (e NotReadyError) Error() string {
	return fmt.Sprintf("cipher: %s", string(e))
}

// Primitive is the external, black-box stream cipher collaborator
// (spec.md §6). Session installs key halves into it and, once all four are
// present, calls Init once before any Encrypt/Decrypt.
type Primitive interface {
	InstallKey(side Side, half int, key []byte) error
	Init() error
	// Encrypt transforms an outbound (to-server) buffer in place.
	Encrypt(buf []byte)
	// Decrypt transforms an inbound (from-server) buffer in place.
	Decrypt(buf []byte)
}

// Session is the per-connection cipher state machine described in
// spec.md §3/§4.2.
type Session struct {
	primitive Primitive

	clientFilled [2]bool
	serverFilled [2]bool

	st state
}

// NewSession wraps primitive in a fresh, empty Session.
func NewSession(primitive Primitive) *Session {
	return &Session{primitive: primitive}
}

func (s *Session) filledCount() int {
	n := 0
	for _, f := range s.clientFilled {
		if f {
			n++
		}
	}
	for _, f := range s.serverFilled {
		if f {
			n++
		}
	}
	return n
}

func (s *Session) advanceState() {
	switch s.filledCount() {
	case 0:
		s.st = stateEmpty
	case 4:
		s.st = stateFull
	default:
		// Any partial set of halves is still HalfKeyed: Init is legal only
		// once all four slots are filled.
		s.st = stateHalfKeyed
	}
}

// Install installs a key half at the given side/index. Fails if the slot
// is already filled or the key is not KeyHalfLength bytes; state does not
// advance on failure.
func (s *Session) Install(side Side, half int, key []byte) error {
	if len(key) != KeyHalfLength {
		return WrongKeyLengthError(len(key))
	}

	var filled *[2]bool
	switch side {
	case SideClient:
		filled = &s.clientFilled
	case SideServer:
		filled = &s.serverFilled
	default:
		return fmt.Errorf("cipher: unknown side %d", side)
	}
	if half != 0 && half != 1 {
		return fmt.Errorf("cipher: unknown key half index %d", half)
	}
	if filled[half] {
		return SlotFilledError{Side: side, Half: half}
	}

	if err := s.primitive.InstallKey(side, half, key); err != nil {
		return err
	}
	filled[half] = true
	s.advanceState()
	return nil
}

// Ready reports whether Init has completed and transforms are legal.
func (s *Session) Ready() bool {
	return s.st == stateReady
}

// Init initialises the keystream. Legal exactly once, and only once all
// four key halves are installed.
func (s *Session) Init() error {
	if s.st == stateReady {
		return NotReadyError("init called twice")
	}
	if s.st != stateFull {
		return NotReadyError("init called before all four key halves were installed")
	}
	if err := s.primitive.Init(); err != nil {
		return err
	}
	s.st = stateReady
	return nil
}

// ApplyToServer transforms an outbound buffer in place using the to-server
// keystream. Fails before Init.
func (s *Session) ApplyToServer(buf []byte) error {
	if !s.Ready() {
		return NotReadyError("applyToServer called before init")
	}
	s.primitive.Encrypt(buf)
	return nil
}

// ApplyFromServer transforms an inbound buffer in place using the
// from-server keystream. Fails before Init.
func (s *Session) ApplyFromServer(buf []byte) error {
	if !s.Ready() {
		return NotReadyError("applyFromServer called before init")
	}
	s.primitive.Decrypt(buf)
	return nil
}

/* vim :set ts=4 sw=4 sts=4 noet : */
