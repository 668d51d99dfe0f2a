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

// Package module implements the thin per-module façade that user-supplied
// modules see: hook/hookOnce/unhook plus the toClient/toServer injection
// entry points, all backed by one Connection's dispatch.Engine.
package module

import (
	"github.com/corvidnet/gaterelay/codec"
	"github.com/corvidnet/gaterelay/dispatch"
)

// Facade is handed to a module at load time, scoped to its own name so
// Unhook/UnhookModule bookkeeping never crosses module boundaries.
type Facade struct {
	name   string
	engine *dispatch.Engine
}

// New returns a Facade that registers hooks under the given module name
// against engine.
func New(name string, engine *dispatch.Engine) *Facade {
	return &Facade{name: name, engine: engine}
}

// HookRaw registers a raw-bytes hook.
func (f *Facade) HookRaw(name string, opts dispatch.Options, cb dispatch.RawCallback) (*dispatch.Hook, error) {
	return f.engine.HookRaw(f.name, name, opts, cb)
}

// HookEvent registers a no-payload event hook.
func (f *Facade) HookEvent(name string, opts dispatch.Options, cb dispatch.EventCallback) (*dispatch.Hook, error) {
	return f.engine.HookEvent(f.name, name, opts, cb)
}

// HookParsed registers a parsed-event hook at a specific definition
// version (or codec.LatestVersion).
func (f *Facade) HookParsed(name string, version int, opts dispatch.Options, cb dispatch.ParsedCallback) (*dispatch.Hook, error) {
	return f.engine.HookParsed(f.name, name, version, opts, cb)
}

// HookRawOnce registers a raw hook that unregisters itself after its first
// invocation, regardless of what it returns.
func (f *Facade) HookRawOnce(name string, opts dispatch.Options, cb dispatch.RawCallback) (*dispatch.Hook, error) {
	var h *dispatch.Hook
	var err error
	h, err = f.HookRaw(name, opts, func(opcode uint16, buf []byte, fl dispatch.Flags) dispatch.RawResult {
		defer f.engine.Unhook(h)
		return cb(opcode, buf, fl)
	})
	return h, err
}

// HookEventOnce registers an event hook that unregisters itself after its
// first invocation.
func (f *Facade) HookEventOnce(name string, opts dispatch.Options, cb dispatch.EventCallback) (*dispatch.Hook, error) {
	var h *dispatch.Hook
	var err error
	h, err = f.HookEvent(name, opts, func(fl dispatch.Flags) *bool {
		defer f.engine.Unhook(h)
		return cb(fl)
	})
	return h, err
}

// HookParsedOnce registers a parsed hook that unregisters itself after its
// first invocation.
func (f *Facade) HookParsedOnce(name string, version int, opts dispatch.Options, cb dispatch.ParsedCallback) (*dispatch.Hook, error) {
	var h *dispatch.Hook
	var err error
	h, err = f.HookParsed(name, version, opts, func(evt codec.Event, fl dispatch.Flags) *bool {
		defer f.engine.Unhook(h)
		return cb(evt, fl)
	})
	return h, err
}

// Unhook removes a single hook owned by this module (or any hook handle,
// though modules are expected to only pass their own).
func (f *Facade) Unhook(h *dispatch.Hook) {
	f.engine.Unhook(h)
}

// UnhookAll removes every hook this facade has registered. Typically
// called when the owning module is unloaded.
func (f *Facade) UnhookAll() int {
	return f.engine.UnhookModule(f.name)
}

// ToClient injects a pre-built buffer towards the client side.
func (f *Facade) ToClient(buf []byte) (dispatch.Result, error) {
	return f.engine.WriteBuffer(false, buf)
}

// ToClientMessage serialises (name, version, data) and injects it towards
// the client side.
func (f *Facade) ToClientMessage(name string, version int, data codec.Event) (dispatch.Result, error) {
	return f.engine.WriteMessage(false, name, version, data)
}

// ToServer injects a pre-built buffer towards the upstream server.
func (f *Facade) ToServer(buf []byte) (dispatch.Result, error) {
	return f.engine.WriteBuffer(true, buf)
}

// ToServerMessage serialises (name, version, data) and injects it towards
// the upstream server.
func (f *Facade) ToServerMessage(name string, version int, data codec.Event) (dispatch.Result, error) {
	return f.engine.WriteMessage(true, name, version, data)
}
