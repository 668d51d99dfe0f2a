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

// Package config loads the daemon's static TOML configuration: listen and
// upstream addresses, handshake parameters, and the paths to the catalogue
// and any module-supplied definition files. Modelled on the teacher's
// habit of keeping wire/session parameters in a small file-backed struct
// (transports/obfs4/statefile.go's JSON state file plays the equivalent
// role there); this daemon uses TOML, in the style xendarboh-katzenpost
// uses for its own configuration.
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration file shape.
type Config struct {
	Listen   string `toml:"listen"`
	Upstream string `toml:"upstream"`

	Catalogue string `toml:"catalogue_file"`

	Handshake HandshakeConfig `toml:"handshake"`

	Log LogConfig `toml:"log"`
}

// HandshakeConfig carries the fixed, game-protocol-specific parameters the
// handshake state machine needs: the magic preamble (hex-encoded in the
// file) and whether a malformed magic is silently dropped with the
// connection kept open (true, Load's default) or closes the connection
// (false).
type HandshakeConfig struct {
	MagicHex               string `toml:"magic_hex"`
	DropMalformedHandshake bool   `toml:"drop_malformed_handshake"`
}

// Magic decodes MagicHex into raw bytes.
func (h HandshakeConfig) Magic() ([]byte, error) {
	if h.MagicHex == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(h.MagicHex)
	if err != nil {
		return nil, fmt.Errorf("config: handshake.magic_hex: %w", err)
	}
	return b, nil
}

// LogConfig controls where and how verbosely the daemon logs.
type LogConfig struct {
	File    string `toml:"file"`
	Verbose bool   `toml:"verbose"`
}

// Load reads and decodes a TOML configuration file.
func Load(path string) (*Config, error) {
	c := Config{Handshake: HandshakeConfig{DropMalformedHandshake: true}}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if c.Listen == "" {
		return nil, fmt.Errorf("config: %s: listen is required", path)
	}
	if c.Upstream == "" {
		return nil, fmt.Errorf("config: %s: upstream is required", path)
	}
	if c.Catalogue == "" {
		return nil, fmt.Errorf("config: %s: catalogue_file is required", path)
	}
	return &c, nil
}
