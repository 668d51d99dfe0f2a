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

package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

type messageKey struct {
	name    string
	version int
}

type registeredMessage struct {
	def Definition
	typ reflect.Type // element type; Event values are *typ
}

// CBORCodec is the default Codec implementation. It parses and writes
// messages as CBOR, the way katzenpost's cborplugin wire format does, and
// implements Clone via a marshal/unmarshal round-trip so no message type
// needs a hand-written deep-copy method.
type CBORCodec struct {
	messages map[messageKey]*registeredMessage
	latest   map[string]int
}

// NewCBORCodec returns an empty CBOR-backed codec; messages are registered
// with AddDefinition (usually via RegisterType for typed callers).
func NewCBORCodec() *CBORCodec {
	return &CBORCodec{
		messages: make(map[messageKey]*registeredMessage),
		latest:   make(map[string]int),
	}
}

// RegisterType is the typed convenience wrapper modules use to register a
// Go struct as the wire layout for (name, version). sample must be a
// pointer to the struct type that will be used for Parse/Clone results.
func (c *CBORCodec) RegisterType(name string, version int, def Definition, sample Event) error {
	return c.AddDefinition(name, version, def, sample, false)
}

func (c *CBORCodec) AddDefinition(name string, version int, def Definition, sample Event, overwrite bool) error {
	key := messageKey{name, version}
	if _, exists := c.messages[key]; exists && !overwrite {
		return fmt.Errorf("codec: definition %s v%d already registered", name, version)
	}
	t := reflect.TypeOf(sample)
	if t == nil || t.Kind() != reflect.Ptr {
		return fmt.Errorf("codec: sample for %s v%d must be a non-nil pointer", name, version)
	}
	c.messages[key] = &registeredMessage{def: def, typ: t.Elem()}
	if version > c.latest[name] {
		c.latest[name] = version
	}
	return nil
}

func (c *CBORCodec) ResolveIdentifier(name string, version int) (Identifier, error) {
	if version == LatestVersion {
		v, ok := c.latest[name]
		if !ok {
			return Identifier{}, UnknownMessageError{Name: name, Version: version}
		}
		version = v
	}
	rm, ok := c.messages[messageKey{name, version}]
	if !ok {
		return Identifier{}, UnknownMessageError{Name: name, Version: version}
	}
	return Identifier{Name: name, Version: version, Definition: rm.def}, nil
}

func (c *CBORCodec) Messages() []Identifier {
	out := make([]Identifier, 0, len(c.messages))
	for k, rm := range c.messages {
		out = append(out, Identifier{Name: k.name, Version: k.version, Definition: rm.def})
	}
	return out
}

func (c *CBORCodec) Parse(id Identifier, data []byte) (Event, error) {
	rm, ok := c.messages[messageKey{id.Name, id.Version}]
	if !ok {
		return nil, UnknownMessageError{Name: id.Name, Version: id.Version}
	}
	if !rm.def.Readable {
		return nil, UnreadableDefinitionError{Name: id.Name, Version: id.Version}
	}
	v := reflect.New(rm.typ)
	if err := cbor.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("codec: parse %s v%d: %w", id.Name, id.Version, err)
	}
	return v.Interface(), nil
}

func (c *CBORCodec) Write(id Identifier, evt Event) ([]byte, error) {
	rm, ok := c.messages[messageKey{id.Name, id.Version}]
	if !ok {
		return nil, UnknownMessageError{Name: id.Name, Version: id.Version}
	}
	if !rm.def.Writeable {
		return nil, fmt.Errorf("codec: definition %s v%d is not writeable", id.Name, id.Version)
	}
	data, err := cbor.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("codec: write %s v%d: %w", id.Name, id.Version, err)
	}
	return data, nil
}

func (c *CBORCodec) Clone(id Identifier, evt Event) (Event, error) {
	data, err := cbor.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("codec: clone %s v%d: %w", id.Name, id.Version, err)
	}
	rm, ok := c.messages[messageKey{id.Name, id.Version}]
	if !ok {
		return nil, UnknownMessageError{Name: id.Name, Version: id.Version}
	}
	v := reflect.New(rm.typ)
	if err := cbor.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("codec: clone %s v%d: %w", id.Name, id.Version, err)
	}
	return v.Interface(), nil
}

// ParseDefinition is unsupported by the CBOR codec: definitions are
// registered from Go types via RegisterType, not parsed from text.
func (c *CBORCodec) ParseDefinition(text string) (Definition, error) {
	return Definition{}, errors.New("codec: CBORCodec does not support textual definitions")
}
