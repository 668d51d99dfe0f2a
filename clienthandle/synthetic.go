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

package clienthandle

import (
	"net"
	"sync"

	"github.com/corvidnet/gaterelay/csrand"
)

// Synthetic is a headless client handle: it has no downstream socket, owns
// randomly generated client key halves that a Connection installs into its
// Cipher session on its behalf, and reports data back through DataFunc
// instead of writing to a socket. Its connect event fires exactly when the
// real handle's would: once the handshake completes and both sides have
// exchanged key halves.
type Synthetic struct {
	keyHalf0 []byte
	keyHalf1 []byte

	// ConnectFunc, if set, is invoked once when the handshake completes.
	ConnectFunc func(upstream net.Conn)
	// DataFunc, if set, receives every message the core would otherwise
	// have written to the client socket.
	DataFunc func(buf []byte) error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSynthetic generates fresh random client key halves and returns a
// ready-to-drive synthetic handle.
func NewSynthetic() (*Synthetic, error) {
	h0, err := csrand.KeyHalf(128)
	if err != nil {
		return nil, err
	}
	h1, err := csrand.KeyHalf(128)
	if err != nil {
		return nil, err
	}
	return &Synthetic{keyHalf0: h0, keyHalf1: h1, closed: make(chan struct{})}, nil
}

// ClientKeyHalves returns the two randomly generated client-side key
// halves a Connection installs during the synthetic handshake.
func (s *Synthetic) ClientKeyHalves() (half0, half1 []byte) {
	return s.keyHalf0, s.keyHalf1
}

func (s *Synthetic) OnConnect(upstream net.Conn) {
	if s.ConnectFunc != nil {
		s.ConnectFunc(upstream)
	}
}

func (s *Synthetic) OnData(buf []byte) error {
	if s.DataFunc != nil {
		return s.DataFunc(buf)
	}
	return nil
}

func (s *Synthetic) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Done returns a channel closed once Close has run, so tests and the
// owning Connection can observe teardown.
func (s *Synthetic) Done() <-chan struct{} {
	return s.closed
}
