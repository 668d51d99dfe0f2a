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

import "sort"

// bucket holds every hook registered against one opcode (or the wildcard
// bucket), kept sorted by Order with ties broken by registration sequence.
type bucket struct {
	hooks []*Hook
	seq   uint64 // unused: hook ids come from HookTable.nextSeq
}

func (b *bucket) insert(h *Hook, seq uint64) {
	h.id = seq
	i := sort.Search(len(b.hooks), func(i int) bool {
		return b.hooks[i].order > h.order
	})
	b.hooks = append(b.hooks, nil)
	copy(b.hooks[i+1:], b.hooks[i:])
	b.hooks[i] = h
}

func (b *bucket) remove(id uint64) bool {
	for i, h := range b.hooks {
		if h.id == id {
			b.hooks = append(b.hooks[:i], b.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// HookTable indexes registered hooks by opcode, with a dedicated wildcard
// bucket consulted for every message regardless of opcode.
type HookTable struct {
	byCode   map[uint16]*bucket
	wildcard bucket
	nextSeq  uint64
	byID     map[uint64]uint16 // id -> code, isWildcardCode sentinel below
}

const wildcardCode = 1<<16 - 1 // opcodes are uint16; this slot is reserved

func newHookTable() *HookTable {
	return &HookTable{
		byCode: make(map[uint16]*bucket),
		byID:   make(map[uint64]uint16),
	}
}

// insert registers h, assigning it a fresh id used later by remove.
func (t *HookTable) insert(h *Hook) uint64 {
	t.nextSeq++
	seq := t.nextSeq

	var b *bucket
	if h.isWild {
		b = &t.wildcard
		t.byID[seq] = wildcardCode
	} else {
		b = t.byCode[h.code]
		if b == nil {
			b = &bucket{}
			t.byCode[h.code] = b
		}
		t.byID[seq] = h.code
	}
	b.insert(h, seq)
	return seq
}

// remove unregisters the hook with the given id. Reports whether a hook was
// found and removed.
func (t *HookTable) remove(id uint64) bool {
	code, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	if code == wildcardCode {
		return t.wildcard.remove(id)
	}
	if b := t.byCode[code]; b != nil {
		return b.remove(id)
	}
	return false
}

// removeModule unregisters every hook owned by module, returning the count
// removed.
func (t *HookTable) removeModule(module string) int {
	n := 0
	for id, code := range t.byID {
		var b *bucket
		if code == wildcardCode {
			b = &t.wildcard
		} else {
			b = t.byCode[code]
		}
		if b == nil {
			continue
		}
		for _, h := range b.hooks {
			if h.id == id && h.module == module {
				delete(t.byID, id)
				b.remove(id)
				n++
				break
			}
		}
	}
	return n
}

// merged returns the hooks that should observe a message with the given
// opcode, in dispatch order: the opcode-specific bucket and the wildcard
// bucket merged by Order, with the wildcard bucket winning order ties
// (spec.md §4.4: wildcard hooks registered at the same order as an
// opcode-specific hook run first).
func (t *HookTable) merged(code uint16) []*Hook {
	specific := t.byCode[code]
	var sHooks, wHooks []*Hook
	if specific != nil {
		sHooks = specific.hooks
	}
	wHooks = t.wildcard.hooks

	if len(sHooks) == 0 {
		return append([]*Hook(nil), wHooks...)
	}
	if len(wHooks) == 0 {
		return append([]*Hook(nil), sHooks...)
	}

	out := make([]*Hook, 0, len(sHooks)+len(wHooks))
	i, j := 0, 0
	for i < len(sHooks) && j < len(wHooks) {
		if wHooks[j].order <= sHooks[i].order {
			out = append(out, wHooks[j])
			j++
		} else {
			out = append(out, sHooks[i])
			i++
		}
	}
	out = append(out, sHooks[i:]...)
	out = append(out, wHooks[j:]...)
	return out
}
