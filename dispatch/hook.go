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

package dispatch

import "github.com/corvidnet/gaterelay/codec"

// WildcardName is the sentinel message name a hook registers against to
// observe every opcode.
const WildcardName = "*"

type versionKind int

const (
	kindNumeric versionKind = iota
	kindLatest              // "*"
	kindRaw
	kindEvent
)

// Version discriminates the four hook callback shapes spec.md §3 allows:
// a positive definition version, the latest-version wildcard "*", "raw",
// or "event".
type Version struct {
	kind versionKind
	n    int
}

// Numeric returns a Version bound to one specific, positive definition
// version.
func Numeric(v int) Version { return Version{kind: kindNumeric, n: v} }

// Latest, Raw and Event are the three non-numeric version selectors.
var (
	Latest = Version{kind: kindLatest}
	Raw    = Version{kind: kindRaw}
	Event  = Version{kind: kindEvent}
)

func (v Version) String() string {
	switch v.kind {
	case kindRaw:
		return "raw"
	case kindEvent:
		return "event"
	case kindLatest:
		return "*"
	default:
		return "numeric"
	}
}

// RawResult is what a raw callback may return. A non-nil Buffer that
// differs from the buffer passed in replaces it and marks the message
// modified. A non-nil Silence inversely overrides the silenced flag
// (true unsilences, false silences). The zero value means "no change".
type RawResult struct {
	Buffer  []byte
	Silence *bool
}

// RawCallback observes/transforms the raw bytes of a message.
type RawCallback func(opcode uint16, buf []byte, flags Flags) RawResult

// EventCallback observes a message with no parsed payload. A non-nil
// pointer to false silences the message; every other return is ignored.
type EventCallback func(flags Flags) *bool

// ParsedCallback observes/transforms a parsed, versioned event. A non-nil
// pointer to true means "I mutated evt, reserialise it"; a non-nil pointer
// to false silences the message; nil discards any mutation made to evt.
type ParsedCallback func(evt codec.Event, flags Flags) *bool

// Options configures a hook's priority and visibility filter.
type Options struct {
	Filter Filter
	Order  int
}

// Hook is the opaque handle returned by Engine.HookRaw, Engine.HookEvent and
// Engine.HookParsed, used to unregister a single callback with Engine.Unhook.
type Hook struct {
	id     uint64
	module string
	code   uint16
	isWild bool // code is the wildcard bucket, not one specific opcode
	name   string
	version Version
	filter Filter
	order  int

	identifier    codec.Identifier
	hasIdentifier bool

	raw   RawCallback
	event EventCallback
	parsed ParsedCallback
}

// Module returns the owning module name recorded at registration.
func (h *Hook) Module() string { return h.module }

// Order returns the hook's numeric priority.
func (h *Hook) Order() int { return h.order }
