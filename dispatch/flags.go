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

// Flags are the dynamic per-message properties threaded through one
// dispatch pass. Rather than the source's dynamic property injection onto
// parsed events (spec.md §9), callbacks receive this small immutable
// struct alongside the message/event.
type Flags struct {
	Fake     bool
	Incoming bool
	Modified bool
	Silenced bool
}

// Ternary is a three-way match value used by Filter. Unset lets the
// registration path apply the field's documented default instead of
// treating the field as a wildcard.
type Ternary int

const (
	Unset Ternary = iota
	Any
	True
	False
)

func (t Ternary) matches(v bool) bool {
	switch t {
	case True:
		return v
	case False:
		return !v
	default: // Unset, Any
		return true
	}
}

func boolTernary(v bool) Ternary {
	if v {
		return True
	}
	return False
}

// Filter is the four-way ternary predicate over {fake, incoming, modified,
// silenced} controlling whether a hook observes a given message.
type Filter struct {
	Fake     Ternary
	Incoming Ternary
	Modified Ternary
	Silenced Ternary
}

// resolved returns a copy of f with Unset fields replaced by the documented
// defaults: Fake and Silenced default to False (hooks must opt in to see
// fake or silenced messages), Incoming and Modified default to Any.
func (f Filter) resolved() Filter {
	if f.Fake == Unset {
		f.Fake = False
	}
	if f.Silenced == Unset {
		f.Silenced = False
	}
	if f.Incoming == Unset {
		f.Incoming = Any
	}
	if f.Modified == Unset {
		f.Modified = Any
	}
	return f
}

func (f Filter) matches(fl Flags) bool {
	r := f.resolved()
	return r.Fake.matches(fl.Fake) &&
		r.Incoming.matches(fl.Incoming) &&
		r.Modified.matches(fl.Modified) &&
		r.Silenced.matches(fl.Silenced)
}
