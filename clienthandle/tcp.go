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
	"log"
	"net"
	"sync"
)

// TCP bridges a real downstream TCP socket. OnData writes straight to the
// socket; ReadLoop feeds bytes read from the socket to feed until the
// socket closes or feed returns an error, in the style of obfs4proxy's
// copyLoop goroutines (panic-recovered, closed connections logged and
// swallowed rather than propagated).
type TCP struct {
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewTCP wraps an already-accepted client socket.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn}
}

func (h *TCP) OnConnect(upstream net.Conn) {
	log.Printf("[INFO] clienthandle: %p: upstream connected (%s)", h, upstream.RemoteAddr())
}

func (h *TCP) OnData(buf []byte) error {
	_, err := h.conn.Write(buf)
	return err
}

func (h *TCP) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.conn.Close()
	})
	return h.closeErr
}

// ReadLoop reads from the client socket until it closes or feed returns an
// error, handing each chunk to feed. Intended to run on its own goroutine
// for the lifetime of the connection.
func (h *TCP) ReadLoop(feed func([]byte) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] clienthandle: %p: panic: %v", h, r)
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if ferr := feed(buf[:n]); ferr != nil {
				log.Printf("[WARN] clienthandle: %p: feed: %s", h, ferr)
				return
			}
		}
		if err != nil {
			log.Printf("[WARN] clienthandle: %p: connection closed: %s", h, err)
			return
		}
	}
}
