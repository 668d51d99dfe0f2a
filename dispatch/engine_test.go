package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvidnet/gaterelay/catalogue"
	"github.com/corvidnet/gaterelay/codec"
)

func newTestEngine(t *testing.T) (*Engine, uint16) {
	t.Helper()
	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	cd := codec.NewCBORCodec()
	return NewEngine(cat, cd), 1
}

func rawMsg(code uint16, payload string) []byte {
	buf := make([]byte, 2+len(payload))
	buf[0] = byte(code)
	buf[1] = byte(code >> 8)
	copy(buf[2:], payload)
	return buf
}

func TestLowerOrderObservesBeforeHigherOrder(t *testing.T) {
	e, code := newTestEngine(t)
	var seen []string

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 10}, func(op uint16, buf []byte, fl Flags) RawResult {
		seen = append(seen, "b")
		return RawResult{}
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		seen = append(seen, "a")
		return RawResult{Buffer: rawMsg(op, "a-was-here")}
	})
	require.NoError(t, err)

	res := e.Dispatch(rawMsg(code, "hello"), true, false)
	require.Equal(t, []string{"a", "b"}, seen)
	require.Equal(t, "a-was-here", string(res.Buffer[2:]))
}

func TestTiesPreserveRegistrationOrder(t *testing.T) {
	e, code := newTestEngine(t)
	var seen []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 5}, func(op uint16, buf []byte, fl Flags) RawResult {
			seen = append(seen, name)
			return RawResult{}
		})
		require.NoError(t, err)
	}

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestModifiedFlagIsMonotonic(t *testing.T) {
	e, code := newTestEngine(t)
	var observedAtThird bool

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		return RawResult{Buffer: []byte("changed")}
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "S_LOGIN", Options{Order: 10, Filter: Filter{Modified: True}}, func(op uint16, buf []byte, fl Flags) RawResult {
		observedAtThird = fl.Modified
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.True(t, observedAtThird, "hook filtering on modified=true should have run and observed modified=true")
}

func TestRawBufferReplacementInvalidatesParsedCache(t *testing.T) {
	_, code := newTestEngine(t)
	// Build a separate engine whose codec carries one registered definition
	// so a parsed hook can run after the raw hook mutates the buffer.
	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	type loginV1 struct{ User string }
	cdFull := codec.NewCBORCodec()
	require.NoError(t, cdFull.RegisterType("S_LOGIN", 1, codec.Definition{Readable: true, Writeable: true}, &loginV1{}))
	e2 := NewEngine(cat, cdFull)

	parseCount := 0
	var users []string
	_, err := e2.HookRaw("m", "S_LOGIN", Options{Order: -10}, func(op uint16, buf []byte, fl Flags) RawResult {
		payload, _ := cdFull.Write(codec.Identifier{Name: "S_LOGIN", Version: 1, Definition: codec.Definition{Writeable: true}}, &loginV1{User: "replaced"})
		out := append([]byte{buf[0], buf[1]}, payload...)
		return RawResult{Buffer: out}
	})
	require.NoError(t, err)
	// The first parsed hook runs before the raw hook and fills the cache
	// with the original event; the second must see the replaced one.
	_, err = e2.HookParsed("m", "S_LOGIN", 1, Options{Order: -20}, func(evt codec.Event, fl Flags) *bool {
		parseCount++
		users = append(users, evt.(*loginV1).User)
		return nil
	})
	require.NoError(t, err)
	_, err = e2.HookParsed("m", "S_LOGIN", 1, Options{Order: 10}, func(evt codec.Event, fl Flags) *bool {
		parseCount++
		users = append(users, evt.(*loginV1).User)
		return nil
	})
	require.NoError(t, err)

	payload, err := cdFull.Write(codec.Identifier{Name: "S_LOGIN", Version: 1, Definition: codec.Definition{Writeable: true}}, &loginV1{User: "original"})
	require.NoError(t, err)
	buf := append([]byte{byte(code), byte(code >> 8)}, payload...)

	res := e2.Dispatch(buf, true, false)
	require.False(t, res.Silenced)
	require.Equal(t, 2, parseCount)
	require.Equal(t, []string{"original", "replaced"}, users)
}

func TestSilenceThenUnsilenceBoundaryScenario(t *testing.T) {
	e, code := newTestEngine(t)
	var h2Ran bool

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: -10}, func(op uint16, buf []byte, fl Flags) RawResult {
		unsilence := false
		return RawResult{Silence: &unsilence} // silences
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		h2Ran = true
		return RawResult{}
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "S_LOGIN", Options{Order: 10, Filter: Filter{Silenced: True}}, func(op uint16, buf []byte, fl Flags) RawResult {
		unsilence := true
		return RawResult{Silence: &unsilence}
	})
	require.NoError(t, err)

	res := e.Dispatch(rawMsg(code, "x"), true, false)
	require.False(t, h2Ran, "H2 has no silenced opt-in and must not observe a silenced message")
	require.False(t, res.Silenced, "H3 un-silenced the message")
}

func TestFakeInjectionBypassesDefaultFakeFilter(t *testing.T) {
	e, code := newTestEngine(t)
	var ranOnFake bool
	var ranOnReal bool

	_, err := e.HookRaw("m", "S_LOGIN", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		if fl.Fake {
			ranOnFake = true
		} else {
			ranOnReal = true
		}
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), true, true)
	e.Dispatch(rawMsg(code, "x"), true, false)
	require.False(t, ranOnFake, "default fake filter should reject fake messages")
	require.True(t, ranOnReal)
}

func TestUnhookIsIdempotent(t *testing.T) {
	e, code := newTestEngine(t)
	calls := 0
	h, err := e.HookRaw("m", "S_LOGIN", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		calls++
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.Equal(t, 1, calls)

	e.Unhook(h)
	e.Unhook(h) // idempotent
	e.Unhook(nil)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.Equal(t, 1, calls)
}

func TestUnhookModuleRemovesOnlyThatModulesHooks(t *testing.T) {
	e, code := newTestEngine(t)
	var aRan, bRan bool
	_, err := e.HookRaw("moduleA", "S_LOGIN", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		aRan = true
		return RawResult{}
	})
	require.NoError(t, err)
	_, err = e.HookRaw("moduleB", "S_LOGIN", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		bRan = true
		return RawResult{}
	})
	require.NoError(t, err)

	n := e.UnhookModule("moduleA")
	require.Equal(t, 1, n)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.False(t, aRan)
	require.True(t, bRan)
}

func TestMidIterationUnhookFinishesCurrentPass(t *testing.T) {
	e, code := newTestEngine(t)
	var h2 *Hook
	var h2Ran bool

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		e.Unhook(h2)
		return RawResult{}
	})
	require.NoError(t, err)
	h2, err = e.HookRaw("m", "S_LOGIN", Options{Order: 10}, func(op uint16, buf []byte, fl Flags) RawResult {
		h2Ran = true
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.True(t, h2Ran, "a hook unhooked mid-pass still finishes the pass it was already part of")

	h2Ran = false
	e.Dispatch(rawMsg(code, "x"), true, false)
	require.False(t, h2Ran, "the next pass must not include the unhooked hook")
}

func TestPanickingHookIsLoggedAndSwallowed(t *testing.T) {
	e, code := newTestEngine(t)
	var afterRan bool

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "S_LOGIN", Options{Order: 10}, func(op uint16, buf []byte, fl Flags) RawResult {
		afterRan = true
		return RawResult{}
	})
	require.NoError(t, err)

	res := e.Dispatch(rawMsg(code, "x"), true, false)
	require.True(t, afterRan)
	require.False(t, res.Silenced)
}

func TestWildcardAndOpcodeHooksMergeWithWildcardWinningTies(t *testing.T) {
	e, code := newTestEngine(t)
	var seen []string

	_, err := e.HookRaw("m", "S_LOGIN", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		seen = append(seen, "specific")
		return RawResult{}
	})
	require.NoError(t, err)
	_, err = e.HookRaw("m", "*", Options{Order: 0}, func(op uint16, buf []byte, fl Flags) RawResult {
		seen = append(seen, "wildcard")
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), true, false)
	require.Equal(t, []string{"wildcard", "specific"}, seen)
}

func TestHookParsedWithWildcardNameResolvesPerMessageOpcode(t *testing.T) {
	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	cat.AddOpcode("S_LOGOUT", 2, false)
	type loginV1 struct{ User string }
	type logoutV1 struct{ Reason string }
	cd := codec.NewCBORCodec()
	require.NoError(t, cd.RegisterType("S_LOGIN", 1, codec.Definition{Readable: true, Writeable: true}, &loginV1{}))
	require.NoError(t, cd.RegisterType("S_LOGOUT", 1, codec.Definition{Readable: true, Writeable: true}, &logoutV1{}))
	e := NewEngine(cat, cd)

	var seenNames []string
	_, err := e.HookParsed("m", "*", codec.LatestVersion, Options{}, func(evt codec.Event, fl Flags) *bool {
		switch evt.(type) {
		case *loginV1:
			seenNames = append(seenNames, "S_LOGIN")
		case *logoutV1:
			seenNames = append(seenNames, "S_LOGOUT")
		}
		return nil
	})
	require.NoError(t, err)

	loginPayload, err := cd.Write(codec.Identifier{Name: "S_LOGIN", Version: 1, Definition: codec.Definition{Writeable: true}}, &loginV1{User: "a"})
	require.NoError(t, err)
	logoutPayload, err := cd.Write(codec.Identifier{Name: "S_LOGOUT", Version: 1, Definition: codec.Definition{Writeable: true}}, &logoutV1{Reason: "bye"})
	require.NoError(t, err)

	res := e.Dispatch(append([]byte{1, 0}, loginPayload...), true, false)
	require.False(t, res.Silenced)
	res = e.Dispatch(append([]byte{2, 0}, logoutPayload...), true, false)
	require.False(t, res.Silenced)

	require.Equal(t, []string{"S_LOGIN", "S_LOGOUT"}, seenNames)
}

func TestIncomingFilterRejectsOutboundMessages(t *testing.T) {
	e, code := newTestEngine(t)
	var ran bool
	_, err := e.HookRaw("m", "*", Options{Filter: Filter{Incoming: True}}, func(op uint16, buf []byte, fl Flags) RawResult {
		ran = true
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "x"), false, false)
	require.False(t, ran, "incoming:true filter must reject an outbound dispatch")
}

func TestHookRejectsUnknownMessageName(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.HookRaw("m", "S_NOT_IN_CATALOGUE", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		return RawResult{}
	})
	require.Error(t, err)
}

func TestWriteBufferDeliversThroughSinkUnlessSilenced(t *testing.T) {
	e, code := newTestEngine(t)
	var delivered []struct {
		outgoing bool
		buf      []byte
	}
	e.SetSink(func(outgoing bool, buf []byte) error {
		delivered = append(delivered, struct {
			outgoing bool
			buf      []byte
		}{outgoing, append([]byte(nil), buf...)})
		return nil
	})

	_, err := e.WriteBuffer(true, rawMsg(code, "hi"))
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.True(t, delivered[0].outgoing)

	_, err = e.HookRaw("m", "S_LOGIN", Options{Filter: Filter{Fake: True}}, func(op uint16, buf []byte, fl Flags) RawResult {
		unsilence := false
		return RawResult{Silence: &unsilence} // silences
	})
	require.NoError(t, err)

	_, err = e.WriteBuffer(false, rawMsg(code, "bye"))
	require.NoError(t, err)
	require.Len(t, delivered, 1, "a silenced injection must never reach the sink")
}

func TestWriteBufferWithNilSinkRunsHooksWithoutDelivering(t *testing.T) {
	e, code := newTestEngine(t)
	var ran bool
	_, err := e.HookRaw("m", "S_LOGIN", Options{Filter: Filter{Fake: True}}, func(op uint16, buf []byte, fl Flags) RawResult {
		ran = true
		return RawResult{}
	})
	require.NoError(t, err)

	res, err := e.WriteBuffer(true, rawMsg(code, "x"))
	require.NoError(t, err)
	require.True(t, ran)
	require.False(t, res.Silenced)
}

// TestHookInjectingViaSinkDoesNotDeadlock exercises the re-entrant path a
// Connection relies on: a hook fires synchronously inside Dispatch and
// calls back into WriteBuffer, whose sink must be free to run without
// the Engine holding any lock across the outer Dispatch call.
func TestHookInjectingViaSinkDoesNotDeadlock(t *testing.T) {
	e, code := newTestEngine(t)
	var sunk [][]byte
	e.SetSink(func(outgoing bool, buf []byte) error {
		sunk = append(sunk, append([]byte(nil), buf...))
		return nil
	})

	_, err := e.HookRaw("m", "S_LOGIN", Options{}, func(op uint16, buf []byte, fl Flags) RawResult {
		if !fl.Fake {
			_, err := e.WriteBuffer(true, rawMsg(op, "injected"))
			require.NoError(t, err)
		}
		return RawResult{}
	})
	require.NoError(t, err)

	e.Dispatch(rawMsg(code, "original"), true, false)
	require.Len(t, sunk, 1)
	require.Equal(t, "injected", string(sunk[0][2:]))
}
