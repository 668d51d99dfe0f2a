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

// Package catalogue implements the read-mostly bidirectional map between
// message names and opcodes, the per-opcode padding flag table, and the
// per-name latest-definition-version table described as the protocol
// catalogue.
//
// A Catalogue is built once at startup from a TOML opcode table and is
// safe for concurrent reads from many Connections thereafter. addDefinition/
// addOpcode style mutation (AddOpcode) is a single-threaded init-time
// operation only: callers MUST externally serialise it with any concurrent
// reads, exactly as spec.md §5 requires for the shared catalogue/codec.
package catalogue

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// UnknownNameError is returned when a name has no opcode mapping.
type UnknownNameError string

func (e UnknownNameError) Error() string {
	return fmt.Sprintf("catalogue: unknown message name: %q", string(e))
}

// UnknownOpcodeError is returned when an opcode has no name mapping.
type UnknownOpcodeError uint16

func (e UnknownOpcodeError) Error() string {
	return fmt.Sprintf("catalogue: unknown opcode: 0x%04x", uint16(e))
}

// PaddingPredicate decides whether a given named message, at a given
// protocol generation, carries an integrity tag.
type PaddingPredicate func(protocolVersion int, name string) bool

// opcodeEntry is one row of the TOML catalogue file.
type opcodeEntry struct {
	Name    string `toml:"name"`
	Opcode  uint16 `toml:"opcode"`
	Padding bool   `toml:"padding"`
}

type catalogueFile struct {
	Opcodes []opcodeEntry `toml:"opcode"`
}

// Catalogue is the static name<->opcode mapping plus derived padding and
// latest-version tables.
type Catalogue struct {
	nameToOpcode  map[string]uint16
	opcodeToName  map[uint16]string
	padding       [1 << 16]bool
	latestVersion map[string]int
}

// New returns an empty catalogue; entries are added with AddOpcode.
func New() *Catalogue {
	return &Catalogue{
		nameToOpcode:  make(map[string]uint16),
		opcodeToName:  make(map[uint16]string),
		latestVersion: make(map[string]int),
	}
}

// LoadTOML builds a Catalogue from a TOML file of the form:
//
//	[[opcode]]
//	name = "S_LOGIN"
//	opcode = 1
//	padding = true
func LoadTOML(path string) (*Catalogue, error) {
	var f catalogueFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("catalogue: decode %s: %w", path, err)
	}

	c := New()
	for _, e := range f.Opcodes {
		c.AddOpcode(e.Name, e.Opcode, e.Padding)
	}
	return c, nil
}

// Canonicalize maps a lower-camel or upper-snake name to the canonical
// upper-snake form used as the map key, e.g. "sLogin" and "S_LOGIN" both
// become "S_LOGIN".
func Canonicalize(name string) string {
	if !strings.ContainsAny(name, "_") && name != strings.ToUpper(name) {
		var b strings.Builder
		for i, r := range name {
			if r >= 'A' && r <= 'Z' && i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		}
		return strings.ToUpper(b.String())
	}
	return strings.ToUpper(name)
}

// AddOpcode registers a name<->opcode mapping and its padding flag. Must be
// externally serialised against concurrent lookups (see package doc).
func (c *Catalogue) AddOpcode(name string, opcode uint16, hasPadding bool) {
	canon := Canonicalize(name)
	c.nameToOpcode[canon] = opcode
	c.opcodeToName[opcode] = canon
	c.padding[opcode] = hasPadding
}

// Opcode resolves a message name (either case convention) to its opcode.
func (c *Catalogue) Opcode(name string) (uint16, error) {
	op, ok := c.nameToOpcode[Canonicalize(name)]
	if !ok {
		return 0, UnknownNameError(name)
	}
	return op, nil
}

// Name resolves an opcode to its canonical message name.
func (c *Catalogue) Name(opcode uint16) (string, error) {
	name, ok := c.opcodeToName[opcode]
	if !ok {
		return "", UnknownOpcodeError(opcode)
	}
	return name, nil
}

// HasName reports whether name is mapped to an opcode.
func (c *Catalogue) HasName(name string) bool {
	_, ok := c.nameToOpcode[Canonicalize(name)]
	return ok
}

// HasPadding reports whether the given opcode is configured to carry an
// integrity tag on outbound messages.
func (c *Catalogue) HasPadding(opcode uint16) bool {
	return c.padding[opcode]
}

// ApplyPaddingPredicate re-derives the dense padding table for a specific
// protocol generation from pred. Single-threaded init-time operation.
func (c *Catalogue) ApplyPaddingPredicate(protocolVersion int, pred PaddingPredicate) {
	for name, op := range c.nameToOpcode {
		c.padding[op] = pred(protocolVersion, name)
	}
}

// SetLatestVersion records the latest known definition version for name.
// Single-threaded init-time operation (typically driven off a Codec's
// Messages() enumeration).
func (c *Catalogue) SetLatestVersion(name string, version int) {
	canon := Canonicalize(name)
	if cur, ok := c.latestVersion[canon]; !ok || version > cur {
		c.latestVersion[canon] = version
	}
}

// LatestVersion returns the latest known definition version for name, or
// false if none has been recorded.
func (c *Catalogue) LatestVersion(name string) (int, bool) {
	v, ok := c.latestVersion[Canonicalize(name)]
	return v, ok
}

/* vim :set ts=4 sw=4 sts=4 noet : */
