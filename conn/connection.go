/*
 * Copyright (c) 2014, Yawning Angel <yawning at torproject dot org>
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

// Package conn implements the per-connection state machine: it owns one
// upstream socket and one client handle, drives the four-state handshake
// that watches both legs of the proprietary key exchange as it passes
// through untouched, and, once both sides have exchanged key material,
// switches the pair over to decrypt/frame/dispatch steady state. Modelled
// on the teacher's Obfs4Conn, which plays the analogous role of owning the
// framing.Encoder/Decoder pair and driving its own connState machine.
package conn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/corvidnet/gaterelay/catalogue"
	"github.com/corvidnet/gaterelay/cipher"
	"github.com/corvidnet/gaterelay/clienthandle"
	"github.com/corvidnet/gaterelay/dispatch"
	"github.com/corvidnet/gaterelay/framer"
	"github.com/corvidnet/gaterelay/integrity"
)

// errConnClosed signals that forward found the connection already closed;
// callers treat it as a quiet no-op rather than propagating a write error
// for a connection that was torn down for an unrelated reason.
var errConnClosed = fmt.Errorf("conn: connection closed")

type handshakeState int

const (
	// AwaitMagic: waiting to observe the fixed magic preamble on the server
	// leg; client bytes arriving in this state are dropped.
	AwaitMagic handshakeState = iota
	// AwaitServerKey0: server magic observed; waiting for the first
	// 128-byte key half from each side.
	AwaitServerKey0
	// AwaitServerKey1: first key halves observed; waiting for the second.
	AwaitServerKey1
	// Established: all four key halves installed and the cipher session
	// initialised; steady-state decrypt/frame/dispatch is active.
	Established
	// Closed is terminal.
	Closed
)

func (s handshakeState) String() string {
	switch s {
	case AwaitMagic:
		return "AwaitMagic"
	case AwaitServerKey0:
		return "AwaitServerKey0"
	case AwaitServerKey1:
		return "AwaitServerKey1"
	case Established:
		return "Established"
	default:
		return "Closed"
	}
}

// Config is the handshake policy and wire-format parameters for one
// Connection. Magic is fixed by the game protocol's generation.
// DropMalformedHandshake governs what happens when the observed magic bytes
// don't match: true (config.Load's default when the file leaves it unset;
// per spec.md §4.5/§7: "silently dropped;
// they do not advance state") consumes the bad bytes and leaves the
// connection in AwaitMagic waiting for a good one; false closes the
// connection instead, for deployments that would rather fail loudly (see
// spec.md §9's "mark configurable" note).
type Config struct {
	Magic                  []byte
	DropMalformedHandshake bool
}

// Metadata carries the connection's protocol identification. Nothing in
// this package fills it in: it holds whatever the Connection's owner
// assigns, and stays zero otherwise.
type Metadata struct {
	ProtocolGeneration int
	MajorVersion       int
	MinorVersion       int
	Platform           string
}

// Connection is one client<->upstream pairing: owned Cipher session, a
// Framer per direction, optional Integrity tagger, and Dispatch engine,
// wired together and driven through the handshake states into steady
// state. Each direction is its own independent TCP byte stream, so each
// gets its own Framer: a client message split across two Reads must not be
// reassembled using bytes that arrived on the server leg, or vice versa.
type Connection struct {
	cfg Config
	Metadata

	mu       sync.Mutex // guards handshake bookkeeping only; never held across Dispatch
	state    handshakeState
	upstream net.Conn
	handle   clienthandle.Handle

	// writeMu serialises forward: two concurrent steady-state legs, or a
	// hook-triggered injection re-entering forward from inside Dispatch on
	// either leg's goroutine, must not interleave cipher keystream advances
	// or socket writes. It is never held across Dispatch itself, so a hook
	// calling ToServer/ToClient synchronously cannot deadlock against it.
	writeMu sync.Mutex

	session     *cipher.Session
	clientFrame *framer.Framer // reassembles messages arriving from the client
	serverFrame *framer.Framer // reassembles messages arriving from upstream
	tagger      *integrity.Tagger // nil if this generation never tags
	engine      *dispatch.Engine
	cat         *catalogue.Catalogue

	clientHalf      [2]bool
	serverHalf      [2]bool
	clientHalfBuf   []byte
	serverHalfBuf   []byte

	closeOnce sync.Once
}

// New wires up one Connection. tagger may be nil for generations that
// never sign outbound messages. Injections originated through eng (module
// façade ToClient/ToServer calls) are forwarded to the matching socket via
// the same post-dispatch path (integrity tag, encrypt, write) as ordinary
// steady-state traffic.
func New(cfg Config, upstream net.Conn, handle clienthandle.Handle, session *cipher.Session, eng *dispatch.Engine, cat *catalogue.Catalogue, tagger *integrity.Tagger) *Connection {
	c := &Connection{
		cfg:         cfg,
		upstream:    upstream,
		handle:      handle,
		session:     session,
		clientFrame: framer.New(),
		serverFrame: framer.New(),
		tagger:      tagger,
		engine:      eng,
		cat:         cat,
	}
	eng.SetSink(func(outgoing bool, buf []byte) error {
		if outgoing {
			return c.SendServer(buf)
		}
		return c.SendClient(buf)
	})
	return c
}

// State reports the current handshake state, mostly useful for tests and
// diagnostics.
func (c *Connection) State() handshakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FeedServer delivers bytes read from the upstream socket.
func (c *Connection) FeedServer(buf []byte) error {
	return c.feed(buf, false)
}

// FeedClient delivers bytes read from the client socket.
func (c *Connection) FeedClient(buf []byte) error {
	return c.feed(buf, true)
}

// feed processes bytes arriving from one leg (fromClient selects which).
// During the handshake it consumes exactly the bytes needed for the
// current milestone, relays them to the other leg untouched (the
// handshake is unencrypted and unframed, so transparency holds trivially),
// and retains any leftover bytes for the next milestone or for the
// steady-state decrypt path once Established is reached mid-call.
//
// The handshake portion runs under c.mu, since it mutates shared
// bookkeeping that both legs' goroutines touch. c.mu is released before
// steadyState runs: Dispatch may synchronously invoke a hook that calls
// SendServer/SendClient on this same goroutine, and c.mu is not
// reentrant, so it must never be held across Dispatch.
func (c *Connection) feed(buf []byte, fromClient bool) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	for len(buf) > 0 && c.state != Established && c.state != Closed {
		consumed, err := c.stepHandshake(buf, fromClient)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if consumed == 0 {
			c.mu.Unlock()
			return nil // not enough bytes yet for the current milestone
		}
		if err := c.relay(buf[:consumed], fromClient); err != nil {
			c.mu.Unlock()
			return err
		}
		buf = buf[consumed:]
	}

	closed := c.state == Closed
	c.mu.Unlock()
	if closed || len(buf) == 0 {
		return nil
	}
	return c.steadyState(buf, fromClient)
}

// stepHandshake consumes the next handshake milestone for the leg
// identified by fromClient. Only the server (upstream) leg ever sends the
// magic preamble (spec.md §6: "Handshake datagram 1 (server→client)"); the
// client leg has nothing legal to send until the server's magic has moved
// the connection to AwaitServerKey0, at which point both legs start
// supplying their 128-byte key halves in the same milestone window.
func (c *Connection) stepHandshake(buf []byte, fromClient bool) (int, error) {
	switch c.state {
	case AwaitMagic:
		if fromClient {
			log.Printf("[WARN] conn: dropping %d client byte(s) received before the server magic", len(buf))
			return len(buf), nil
		}
		return c.stepServerMagic(buf)
	case AwaitServerKey0:
		return c.stepKeyHalf(buf, fromClient, 0)
	case AwaitServerKey1:
		return c.stepKeyHalf(buf, fromClient, 1)
	default:
		return 0, nil
	}
}

func (c *Connection) stepServerMagic(buf []byte) (int, error) {
	n := len(c.cfg.Magic)
	if len(buf) < n {
		return 0, nil
	}
	if n > 0 && !bytes.Equal(buf[:n], c.cfg.Magic) {
		if !c.cfg.DropMalformedHandshake {
			err := fmt.Errorf("conn: malformed magic on server leg")
			c.closeLocked(err)
			return 0, err
		}
		log.Printf("[WARN] conn: dropping malformed magic on server leg, state unchanged")
		return n, nil
	}
	c.state = AwaitServerKey0
	return n, nil
}

func (c *Connection) stepKeyHalf(buf []byte, fromClient bool, half int) (int, error) {
	done := &c.serverHalf[half]
	accBuf := &c.serverHalfBuf
	side := cipher.SideServer
	if fromClient {
		done = &c.clientHalf[half]
		accBuf = &c.clientHalfBuf
		side = cipher.SideClient
	}
	if *done {
		// This leg has already supplied this half while the other leg lags:
		// its next bytes are its second half, not something to discard.
		if half == 0 {
			return c.stepKeyHalf(buf, fromClient, 1)
		}
		return 0, nil
	}

	need := cipher.KeyHalfLength - len(*accBuf)
	if len(buf) < need {
		*accBuf = append(*accBuf, buf...)
		return len(buf), nil
	}

	key := append(*accBuf, buf[:need]...)
	*accBuf = nil
	*done = true
	if err := c.installHalf(side, half, key); err != nil {
		return 0, err
	}
	return need, nil
}

// installHalf installs one key half and, once both sides have reached the
// same milestone, advances the handshake state. Shared by the normal
// socket-observing path and by DriveSyntheticClient, which installs the
// client's halves directly since there is no client socket to read them
// from.
func (c *Connection) installHalf(side cipher.Side, half int, key []byte) error {
	if err := c.session.Install(side, half, key); err != nil {
		c.closeLocked(err)
		return err
	}

	if c.clientHalf[half] && c.serverHalf[half] {
		if half == 0 {
			c.state = AwaitServerKey1
		} else {
			if err := c.session.Init(); err != nil {
				c.closeLocked(err)
				return err
			}
			c.state = Established
			if c.handle != nil {
				c.handle.OnConnect(c.upstream)
			}
		}
	}
	return nil
}

// DriveSyntheticClient originates the client side of the handshake on
// behalf of a clienthandle.Synthetic: it writes the two randomly generated
// key halves to the upstream socket exactly as a real client would (the
// client leg never sends a magic preamble of its own, per spec.md §6), and
// installs them into the Session directly rather than waiting to observe
// them come back from a client socket that does not exist.
func (c *Connection) DriveSyntheticClient(half0, half1 []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.upstream.Write(half0); err != nil {
		return err
	}
	c.clientHalf[0] = true
	if err := c.installHalf(cipher.SideClient, 0, half0); err != nil {
		return err
	}

	if _, err := c.upstream.Write(half1); err != nil {
		return err
	}
	c.clientHalf[1] = true
	return c.installHalf(cipher.SideClient, 1, half1)
}

// relay forwards raw handshake bytes to the opposite leg untouched.
func (c *Connection) relay(buf []byte, fromClient bool) error {
	if fromClient {
		_, err := c.upstream.Write(buf)
		return err
	}
	if c.handle == nil {
		return nil
	}
	return c.handle.OnData(buf)
}

// steadyState decrypts a copy of buf, feeds the leg's own Framer, and
// dispatches every whole message that becomes available, forwarding each to
// the opposite side unless silenced. incoming (spec.md's Dispatch input) is
// true for messages arriving from upstream (the data model's "inbound
// path"), false for messages originated by the client.
func (c *Connection) steadyState(buf []byte, fromClient bool) error {
	cp := append([]byte(nil), buf...)
	frame := c.serverFrame
	if fromClient {
		frame = c.clientFrame
		if err := c.session.ApplyToServer(cp); err != nil {
			return err
		}
	} else {
		if err := c.session.ApplyFromServer(cp); err != nil {
			return err
		}
	}

	frame.Write(cp)
	for {
		msg, ok, err := frame.Read()
		if err != nil {
			c.closeWithCause(err)
			return err
		}
		if !ok {
			return nil
		}

		body := append([]byte(nil), msg[2:]...) // strip the 2-byte length; dispatch works on opcode+payload
		res := c.engine.Dispatch(body, !fromClient, false)
		if res.Silenced {
			continue
		}
		if err := c.forward(res.Buffer, fromClient); err != nil {
			if err == errConnClosed {
				return nil
			}
			return err
		}
	}
}

// forward re-applies the length prefix, tags if applicable, re-encrypts,
// and writes res to the opposite side's socket. Guarded by writeMu rather
// than c.mu: it runs both from the owning leg's steadyState loop and,
// re-entrantly on the same goroutine, from a hook calling SendServer or
// SendClient mid-Dispatch, so it cannot take a lock that Dispatch's caller
// might already hold.
func (c *Connection) forward(body []byte, fromClient bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == Closed {
		return errConnClosed
	}

	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(out)))
	copy(out[2:], body)

	if c.tagger != nil {
		code := uint16(body[0]) | uint16(body[1])<<8
		if c.cat.HasPadding(code) {
			if err := c.tagger.Apply(out, code); err != nil && err != integrity.ErrNotSeeded {
				log.Printf("[WARN] conn: integrity tag failed for opcode 0x%04x: %s", code, err)
			}
		}
	}

	if fromClient {
		c.session.ApplyToServer(out)
		_, err := c.upstream.Write(out)
		return err
	}
	c.session.ApplyFromServer(out)
	if c.handle == nil {
		return nil
	}
	return c.handle.OnData(out)
}

// SendServer injects a pre-framed dispatch result towards the upstream
// server, used by sendServer-style module entry points once a Connection
// is Established. May be called re-entrantly, on the feeding goroutine,
// from inside a hook running mid-Dispatch: besides writeMu (via forward)
// it takes c.mu only briefly, through State, and feed has already released
// c.mu before Dispatch runs, so the nested call cannot deadlock.
func (c *Connection) SendServer(body []byte) error {
	if c.State() != Established {
		return fmt.Errorf("conn: cannot send before the handshake completes")
	}
	return c.forward(body, true)
}

// SendClient injects a pre-framed dispatch result towards the client.
func (c *Connection) SendClient(body []byte) error {
	if c.State() != Established {
		return fmt.Errorf("conn: cannot send before the handshake completes")
	}
	return c.forward(body, false)
}

// Close is idempotent: it transitions to Closed, half-closes the upstream
// socket, and releases the client handle, guarding against re-entrant
// Close by nulling the local handle reference first.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(nil)
}

// closeWithCause is closeLocked for callers, such as steadyState, that do
// not already hold c.mu.
func (c *Connection) closeWithCause(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(cause)
}

func (c *Connection) closeLocked(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		if cause != nil {
			log.Printf("[WARN] conn: closing: %s", cause)
		}
		c.state = Closed
		h := c.handle
		c.handle = nil
		if h != nil {
			_ = h.Close()
		}
		if cw, ok := c.upstream.(interface{ CloseWrite() error }); ok {
			err = cw.CloseWrite()
		} else {
			err = c.upstream.Close()
		}
	})
	return err
}

