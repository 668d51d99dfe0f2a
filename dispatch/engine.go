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

// Package dispatch implements the hook registry and the per-message
// dispatch pipeline: ordered fan-out of one framed message to every hook
// whose filter matches, with raw/event/parsed callback variants, a
// lazily-parsed event cache, and the modified/silenced flag bookkeeping
// described for the dispatch engine.
package dispatch

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/corvidnet/gaterelay/catalogue"
	"github.com/corvidnet/gaterelay/codec"
)

// Engine is one connection's hook registry and dispatch pipeline.
type Engine struct {
	cat   *catalogue.Catalogue
	cd    codec.Codec
	mu    sync.Mutex
	table *HookTable
	sink  func(outgoing bool, buf []byte) error
}

// NewEngine returns an Engine backed by the given catalogue and codec. Both
// are shared, read-mostly collaborators; the engine never mutates them.
func NewEngine(cat *catalogue.Catalogue, cd codec.Codec) *Engine {
	return &Engine{
		cat:   cat,
		cd:    cd,
		table: newHookTable(),
	}
}

// SetSink installs the function that actually delivers an injected message
// to its destination socket once it has cleared the dispatch pipeline
// (integrity tagging, encryption, and the write itself are the sink's
// responsibility, not the Engine's). outgoing is true when the message is
// travelling towards the upstream server, false towards the client. A nil
// sink (the default) makes WriteBuffer/WriteMessage run hooks without
// delivering anything, which is only useful in isolated dispatch tests.
func (e *Engine) SetSink(sink func(outgoing bool, buf []byte) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *Engine) resolveCode(name string) (code uint16, isWild bool, err error) {
	if name == WildcardName {
		return 0, true, nil
	}
	code, err = e.cat.Opcode(name)
	if err != nil {
		return 0, false, err
	}
	return code, false, nil
}

// HookRaw registers a callback that observes/transforms a message's raw
// bytes. name may be the wildcard "*".
func (e *Engine) HookRaw(module, name string, opts Options, cb RawCallback) (*Hook, error) {
	code, isWild, err := e.resolveCode(name)
	if err != nil {
		return nil, err
	}
	h := &Hook{module: module, code: code, isWild: isWild, name: name, version: Raw, filter: opts.Filter, order: opts.Order, raw: cb}
	e.register(h)
	return h, nil
}

// HookEvent registers a callback invoked with no parsed payload. name may
// be the wildcard "*".
func (e *Engine) HookEvent(module, name string, opts Options, cb EventCallback) (*Hook, error) {
	code, isWild, err := e.resolveCode(name)
	if err != nil {
		return nil, err
	}
	h := &Hook{module: module, code: code, isWild: isWild, name: name, version: Event, filter: opts.Filter, order: opts.Order, event: cb}
	e.register(h)
	return h, nil
}

// HookParsed registers a callback over a parsed, versioned event. version
// must be a positive definition version or codec.LatestVersion for "the
// latest known version". A wildcard name requires codec.LatestVersion,
// matching the rule that a wildcard hook cannot pin one specific numeric
// version that may not exist for every opcode.
func (e *Engine) HookParsed(module, name string, version int, opts Options, cb ParsedCallback) (*Hook, error) {
	code, isWild, err := e.resolveCode(name)
	if err != nil {
		return nil, err
	}
	if isWild && version != codec.LatestVersion {
		return nil, fmt.Errorf("dispatch: wildcard hook %q must use the latest-version selector, not a pinned version", module)
	}

	// A wildcard name has no single (name, version) to resolve up front:
	// the opcode a given message carries (and therefore its name) is only
	// known once a message actually arrives. Defer resolution to dispatch
	// time, once per message, against whatever opcode matched.
	if isWild {
		h := &Hook{module: module, code: code, isWild: isWild, name: name, version: Latest, filter: opts.Filter, order: opts.Order, parsed: cb}
		e.register(h)
		return h, nil
	}

	id, err := e.cd.ResolveIdentifier(name, version)
	if err != nil {
		return nil, err
	}
	if !id.Definition.Readable {
		return nil, fmt.Errorf("dispatch: %s v%d is not readable", name, id.Version)
	}
	if id.Definition.Writeable && id.Definition.Deprecated {
		log.Printf("[WARN] dispatch: module %s hooked deprecated definition %s v%d", module, name, id.Version)
	}

	v := Numeric(id.Version)
	h := &Hook{module: module, code: code, isWild: isWild, name: name, version: v, filter: opts.Filter, order: opts.Order, identifier: id, hasIdentifier: true, parsed: cb}
	e.register(h)
	return h, nil
}

func (e *Engine) register(h *Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table.insert(h)
}

// Unhook removes a single hook. Idempotent: unhooking an already-removed
// (or nil) Hook is a no-op.
func (e *Engine) Unhook(h *Hook) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table.remove(h.id)
}

// UnhookModule removes every hook owned by module, returning the count
// removed.
func (e *Engine) UnhookModule(module string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table.removeModule(module)
}

// Result is the outcome of one Dispatch pass.
type Result struct {
	Buffer   []byte // the (possibly replaced) message buffer
	Silenced bool
}

// parsedCacheEntry is one definition version's lazily-parsed event, kept so
// that later hooks requesting the same version do not reparse.
type parsedCacheEntry struct {
	evt codec.Event
}

// Dispatch routes one complete, opcode-prefixed message buffer through
// every hook registered against its opcode (plus the wildcard bucket) in
// merged order, per spec.md §4.4. buf is read but never retained; the
// returned Result.Buffer is always a distinct slice the caller owns.
func (e *Engine) Dispatch(buf []byte, incoming, fake bool) Result {
	if len(buf) < 2 {
		return Result{Buffer: append([]byte(nil), buf...)}
	}
	code := uint16(buf[0]) | uint16(buf[1])<<8

	e.mu.Lock()
	hooks := e.table.merged(code)
	e.mu.Unlock()

	cur := append([]byte(nil), buf...)
	cache := make(map[int]parsedCacheEntry)

	modified := false
	silenced := false

	for _, h := range hooks {
		fl := Flags{Fake: fake, Incoming: incoming, Modified: modified, Silenced: silenced}
		if !h.filter.matches(fl) {
			continue
		}

		switch h.version.kind {
		case kindRaw:
			cur, modified, silenced = e.dispatchRaw(h, code, cur, fl, modified, silenced, cache)
		case kindEvent:
			silenced = e.dispatchEvent(h, fl, silenced)
		default: // numeric or latest-resolved-to-numeric
			cur, modified, silenced = e.dispatchParsed(h, code, cur, fl, modified, silenced, cache)
		}
	}

	return Result{Buffer: cur, Silenced: silenced}
}

// WriteBuffer injects a pre-built, opcode-prefixed message. The buffer is
// copied before use: downstream in-place encryption would otherwise
// corrupt the caller's copy. outgoing selects which side the message is
// travelling towards; the pipeline always sees incoming = !outgoing and
// fake = true, so ordinary hooks that default-filter fake messages never
// observe injected traffic unless they opt in. Once dispatch completes, the
// surviving buffer (unless silenced) is handed to the registered sink for
// delivery; see SetSink.
func (e *Engine) WriteBuffer(outgoing bool, buf []byte) (Result, error) {
	cp := append([]byte(nil), buf...)
	res := e.Dispatch(cp, !outgoing, true)
	return res, e.deliver(outgoing, res)
}

// WriteMessage serialises (name, version, data) via the codec and injects
// the result exactly as WriteBuffer does.
func (e *Engine) WriteMessage(outgoing bool, name string, version int, data codec.Event) (Result, error) {
	code, isWild, err := e.resolveCode(name)
	if err != nil {
		return Result{}, err
	}
	if isWild {
		return Result{}, fmt.Errorf("dispatch: cannot write to the wildcard opcode")
	}
	id, err := e.cd.ResolveIdentifier(name, version)
	if err != nil {
		return Result{}, err
	}
	payload, err := e.cd.Write(id, data)
	if err != nil {
		return Result{}, err
	}
	buf := make([]byte, 2+len(payload))
	buf[0] = byte(code)
	buf[1] = byte(code >> 8)
	copy(buf[2:], payload)
	res := e.Dispatch(buf, !outgoing, true)
	return res, e.deliver(outgoing, res)
}

// deliver hands a dispatched, non-silenced injection result to the sink.
func (e *Engine) deliver(outgoing bool, res Result) error {
	if res.Silenced {
		return nil
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink(outgoing, res.Buffer)
}

func (e *Engine) dispatchRaw(h *Hook, code uint16, cur []byte, fl Flags, modified, silenced bool, cache map[int]parsedCacheEntry) (newBuf []byte, newModified, newSilenced bool) {
	newBuf, newModified, newSilenced = cur, modified, silenced

	res, panicked := e.callRaw(h, code, cur, fl)
	if panicked {
		return
	}
	if res.Buffer != nil && !bytes.Equal(res.Buffer, cur) {
		newBuf = res.Buffer
		newModified = true
		clearCache(cache)
	}
	if res.Silence != nil {
		newSilenced = !*res.Silence
	}
	return
}

func (e *Engine) callRaw(h *Hook, code uint16, cur []byte, fl Flags) (res RawResult, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] dispatch: hook %s on opcode 0x%04x panicked: %v", h.module, code, r)
			panicked = true
		}
	}()
	cp := append([]byte(nil), cur...)
	res = h.raw(code, cp, fl)
	return
}

func (e *Engine) dispatchEvent(h *Hook, fl Flags, silenced bool) bool {
	ret, panicked := e.callEvent(h, fl)
	if panicked {
		return silenced
	}
	if ret != nil && *ret == false {
		return true
	}
	return silenced
}

func (e *Engine) callEvent(h *Hook, fl Flags) (ret *bool, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] dispatch: hook %s panicked: %v", h.module, r)
			panicked = true
		}
	}()
	ret = h.event(fl)
	return
}

func (e *Engine) dispatchParsed(h *Hook, code uint16, cur []byte, fl Flags, modified, silenced bool, cache map[int]parsedCacheEntry) (newBuf []byte, newModified, newSilenced bool) {
	newBuf, newModified, newSilenced = cur, modified, silenced

	id := h.identifier
	if !h.hasIdentifier {
		// Wildcard hook: resolve against whichever opcode this message
		// actually carries, at the latest known version of its name.
		name, err := e.cat.Name(code)
		if err != nil {
			log.Printf("[ERROR] dispatch: hook %s: opcode 0x%04x has no catalogue name: %v", h.module, code, err)
			return
		}
		resolved, err := e.cd.ResolveIdentifier(name, codec.LatestVersion)
		if err != nil {
			log.Printf("[ERROR] dispatch: hook %s: resolve %s latest failed: %v", h.module, name, err)
			return
		}
		if !resolved.Definition.Readable {
			log.Printf("[ERROR] dispatch: hook %s: %s v%d is not readable", h.module, name, resolved.Version)
			return
		}
		id = resolved
	}

	entry, ok := cache[id.Version]
	if !ok {
		evt, err := e.cd.Parse(id, payloadOf(cur))
		if err != nil {
			log.Printf("[ERROR] dispatch: hook %s: parse %s v%d failed: %x: %v", h.module, id.Name, id.Version, cur, err)
			return
		}
		entry = parsedCacheEntry{evt: evt}
		cache[id.Version] = entry
	}

	clone, err := e.cd.Clone(id, entry.evt)
	if err != nil {
		log.Printf("[ERROR] dispatch: hook %s: clone %s v%d failed: %v", h.module, id.Name, id.Version, err)
		return
	}

	ret, panicked := e.callParsed(h, clone, fl)
	if panicked {
		return
	}
	if ret == nil {
		return
	}
	if !*ret {
		newSilenced = true
		return
	}

	data, err := e.cd.Write(id, clone)
	if err != nil {
		log.Printf("[ERROR] dispatch: hook %s: serialise %s v%d failed: %v", h.module, id.Name, id.Version, err)
		return
	}
	newBuf = rebuild(cur, data)
	newModified = true
	newSilenced = false
	clearCache(cache)
	return
}

func (e *Engine) callParsed(h *Hook, evt codec.Event, fl Flags) (ret *bool, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] dispatch: hook %s panicked: %v", h.module, r)
			panicked = true
		}
	}()
	ret = h.parsed(evt, fl)
	return
}

// payloadOf returns the message body following the 2-byte opcode header.
func payloadOf(buf []byte) []byte {
	if len(buf) <= 2 {
		return nil
	}
	return buf[2:]
}

// rebuild reattaches the original 2-byte opcode header to newly serialised
// payload bytes.
func rebuild(orig, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	copy(out, orig[:2])
	copy(out[2:], payload)
	return out
}

func clearCache(cache map[int]parsedCacheEntry) {
	for k := range cache {
		delete(cache, k)
	}
}
