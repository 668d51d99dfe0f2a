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

// gaterelayd is the standalone daemon entry point: it accepts client TCP
// connections, dials the matching upstream for each, and wires a
// conn.Connection between them. Modelled on obfs4proxy's accept-loop /
// per-connection-handler / copyLoop shape, minus the Tor pluggable
// transport manager protocol that shape was built to serve.
package main

import (
	"flag"
	"log"
	"net"

	"github.com/corvidnet/gaterelay/catalogue"
	"github.com/corvidnet/gaterelay/cipher"
	"github.com/corvidnet/gaterelay/clienthandle"
	"github.com/corvidnet/gaterelay/codec"
	"github.com/corvidnet/gaterelay/config"
	"github.com/corvidnet/gaterelay/conn"
	"github.com/corvidnet/gaterelay/dispatch"
)

func logAndRecover(tag string) {
	if err := recover(); err != nil {
		log.Printf("[ERROR] %s: panic: %v", tag, err)
	}
}

// handleConnection dials upstream, wires a Connection, and pumps both legs
// until either side closes, in the style of obfs4proxy's copyLoop.
func handleConnection(cfg *config.Config, cat *catalogue.Catalogue, cd codec.Codec, client net.Conn) {
	defer logAndRecover("handleConnection")
	defer client.Close()

	log.Printf("[INFO] server: %p: new connection from %s", client, client.RemoteAddr())

	upstream, err := net.Dial("tcp", cfg.Upstream)
	if err != nil {
		log.Printf("[ERROR] server: %p: dial upstream failed: %s", client, err)
		return
	}
	defer upstream.Close()

	magic, err := cfg.Handshake.Magic()
	if err != nil {
		log.Printf("[ERROR] server: %p: %s", client, err)
		return
	}

	session := cipher.NewSession(cipher.NewSipHashPrimitive())
	engine := dispatch.NewEngine(cat, cd)
	handle := clienthandle.NewTCP(client)

	c := conn.New(conn.Config{
		Magic:                  magic,
		DropMalformedHandshake: cfg.Handshake.DropMalformedHandshake,
	}, upstream, handle, session, engine, cat, nil)
	defer c.Close()

	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		handle.ReadLoop(c.FeedClient)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		upstreamReadLoop(upstream, c)
	}()

	<-done
	c.Close()
	<-done
}

// upstreamReadLoop feeds bytes from the upstream socket to the Connection
// until the socket closes, mirroring clienthandle.TCP.ReadLoop's shape for
// the leg that has no clienthandle.Handle of its own.
func upstreamReadLoop(upstream net.Conn, c *conn.Connection) {
	defer logAndRecover("upstreamReadLoop")

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if ferr := c.FeedServer(buf[:n]); ferr != nil {
				log.Printf("[WARN] upstreamReadLoop: %s", ferr)
				return
			}
		}
		if err != nil {
			log.Printf("[WARN] upstreamReadLoop: upstream closed: %s", err)
			return
		}
	}
}

func acceptLoop(ln net.Listener, cfg *config.Config, cat *catalogue.Catalogue, cd codec.Codec) {
	for {
		client, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				log.Printf("[ERROR] acceptLoop: %s", err)
				return
			}
			continue
		}
		go handleConnection(cfg, cat, cd, client)
	}
}

func main() {
	configPath := flag.String("config", "gaterelay.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %s", err)
	}

	cat, err := catalogue.LoadTOML(cfg.Catalogue)
	if err != nil {
		log.Fatalf("[ERROR] %s", err)
	}

	cd := codec.NewCBORCodec()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("[ERROR] listen %s: %s", cfg.Listen, err)
	}

	log.Printf("[INFO] gaterelayd - listening on %s, relaying to %s", cfg.Listen, cfg.Upstream)
	acceptLoop(ln, cfg, cat, cd)
}
