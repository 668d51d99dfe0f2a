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

// Package codec implements the external message codec contract: mapping
// between wire bytes and structured values for a given (name, version).
// The dispatch engine treats this as a black box; this package also ships
// one concrete default implementation backed by CBOR, in the style of
// katzenpost's cborplugin wire format.
package codec

import "fmt"

// Definition describes one (name, version) wire layout.
type Definition struct {
	Readable   bool
	Writeable  bool
	Deprecated bool
}

// Identifier is a pre-resolved (name, version) pair together with its
// definition flags, as produced by ResolveIdentifier.
type Identifier struct {
	Name       string
	Version    int
	Definition Definition
}

// UnknownMessageError is returned when a (name, version) pair has no
// registered definition.
type UnknownMessageError struct {
	Name    string
	Version int
}

func (e UnknownMessageError) Error() string {
	return fmt.Sprintf("codec: no definition for %s v%d", e.Name, e.Version)
}

// UnreadableDefinitionError is returned by Parse when a definition exists
// but is not marked readable.
type UnreadableDefinitionError struct {
	Name    string
	Version int
}

func (e UnreadableDefinitionError) Error() string {
	return fmt.Sprintf("codec: definition %s v%d is not readable", e.Name, e.Version)
}

// Event is an opaque parsed message value. Concrete codecs produce and
// consume pointers to registered Go structs.
type Event interface{}

// Codec is the black-box message codec collaborator described in spec.md §6.
type Codec interface {
	// Parse decodes bytes into an Event using the wire layout named by id.
	Parse(id Identifier, data []byte) (Event, error)
	// Write encodes an Event back to wire bytes using the layout named by id.
	Write(id Identifier, evt Event) ([]byte, error)
	// Clone returns a deep copy of evt, so that hooks at the same dispatch
	// order never observe each other's mutations.
	Clone(id Identifier, evt Event) (Event, error)
	// ResolveIdentifier looks up the definition for (name, version). version
	// of -1 means "latest known version of name".
	ResolveIdentifier(name string, version int) (Identifier, error)
	// Messages enumerates every known (name, version) pair.
	Messages() []Identifier
	// AddDefinition registers (or, with overwrite, replaces) the wire layout
	// for (name, version). Single-threaded init-time operation.
	AddDefinition(name string, version int, def Definition, sample Event, overwrite bool) error
	// ParseDefinition parses a textual definition description (used by
	// module loaders that ship definitions as data rather than Go types).
	// The default codec does not support textual definitions and always
	// returns an error; it exists so the interface matches spec.md §6.
	ParseDefinition(text string) (Definition, error)
}

// LatestVersion is the sentinel passed to ResolveIdentifier to request the
// highest registered version of a name.
const LatestVersion = -1
