package conn

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidnet/gaterelay/catalogue"
	"github.com/corvidnet/gaterelay/cipher"
	"github.com/corvidnet/gaterelay/codec"
	"github.com/corvidnet/gaterelay/dispatch"
)

type stubHandle struct {
	connected chan net.Conn
	data      chan []byte
	closed    chan struct{}
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		connected: make(chan net.Conn, 1),
		data:      make(chan []byte, 16),
		closed:    make(chan struct{}, 1),
	}
}

func (h *stubHandle) OnConnect(upstream net.Conn) { h.connected <- upstream }
func (h *stubHandle) OnData(buf []byte) error {
	cp := append([]byte(nil), buf...)
	h.data <- cp
	return nil
}
func (h *stubHandle) Close() error {
	select {
	case h.closed <- struct{}{}:
	default:
	}
	return nil
}

func newTestConnection(t *testing.T, magic []byte) (*Connection, *stubHandle, net.Conn) {
	t.Helper()
	upstreamLocal, upstreamRemote := net.Pipe()
	t.Cleanup(func() { upstreamLocal.Close(); upstreamRemote.Close() })

	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	eng := dispatch.NewEngine(cat, codec.NewCBORCodec())
	session := cipher.NewSession(cipher.NewSipHashPrimitive())
	handle := newStubHandle()

	c := New(Config{Magic: magic, DropMalformedHandshake: true}, upstreamLocal, handle, session, eng, cat, nil)
	return c, handle, upstreamRemote
}

func fillHalf(b byte) []byte {
	buf := make([]byte, cipher.KeyHalfLength)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestHandshakeReachesEstablishedAndFiresOnConnect(t *testing.T) {
	magic := []byte{0xCA, 0xFE, 0xBE, 0xEF}
	c, handle, upstreamRemote := newTestConnection(t, magic)

	go io.Copy(io.Discard, upstreamRemote)

	// Only the server leg ever sends the magic preamble (spec.md §6); the
	// client goes straight to its first key half once it observes it.
	require.NoError(t, c.FeedServer(magic))
	require.Equal(t, AwaitServerKey0, c.State())

	clientHalf0 := fillHalf(1)
	serverHalf0 := fillHalf(2)
	require.NoError(t, c.FeedClient(clientHalf0))
	require.NoError(t, c.FeedServer(serverHalf0))
	require.Equal(t, AwaitServerKey1, c.State())

	clientHalf1 := fillHalf(3)
	serverHalf1 := fillHalf(4)
	require.NoError(t, c.FeedClient(clientHalf1))
	require.NoError(t, c.FeedServer(serverHalf1))

	require.Equal(t, Established, c.State())

	select {
	case <-handle.connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect was never called")
	}
}

func TestClientBytesBeforeServerMagicAreDroppedNotMisparsed(t *testing.T) {
	magic := []byte{0xCA, 0xFE, 0xBE, 0xEF}
	c, _, upstreamRemote := newTestConnection(t, magic)
	go io.Copy(io.Discard, upstreamRemote)

	// A client that races ahead of the server's magic has its stray bytes
	// dropped rather than consumed as (mis-timed) key material.
	require.NoError(t, c.FeedClient(fillHalf(0xFF)))
	require.Equal(t, AwaitMagic, c.State())

	require.NoError(t, c.FeedServer(magic))
	require.Equal(t, AwaitServerKey0, c.State())
}

func TestMalformedMagicIsDroppedWhenConfiguredToDrop(t *testing.T) {
	magic := []byte{0xCA, 0xFE, 0xBE, 0xEF}
	c, _, upstreamRemote := newTestConnection(t, magic)
	go io.Copy(io.Discard, upstreamRemote)

	// DropMalformedHandshake defaults to true in newTestConnection: a bad
	// magic is silently consumed and the connection stays in AwaitMagic,
	// per spec.md's "silently dropped; they do not advance state".
	require.NoError(t, c.FeedServer([]byte{0x00, 0x00, 0x00, 0x00}))
	require.Equal(t, AwaitMagic, c.State())

	require.NoError(t, c.FeedServer(magic))
	require.Equal(t, AwaitServerKey0, c.State())
}

func TestMalformedMagicClosesWhenConfiguredToClose(t *testing.T) {
	upstreamLocal, upstreamRemote := net.Pipe()
	t.Cleanup(func() { upstreamLocal.Close(); upstreamRemote.Close() })
	go io.Copy(io.Discard, upstreamRemote)

	handle := newStubHandle()
	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	session := cipher.NewSession(cipher.NewSipHashPrimitive())
	eng := dispatch.NewEngine(cat, codec.NewCBORCodec())
	c := New(Config{Magic: []byte{0xCA, 0xFE, 0xBE, 0xEF}, DropMalformedHandshake: false}, upstreamLocal, handle, session, eng, cat, nil)

	err := c.FeedServer([]byte{0x00, 0x00, 0x00, 0x00})
	require.Error(t, err)
	require.Equal(t, Closed, c.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, upstreamRemote := newTestConnection(t, nil)
	go io.Copy(io.Discard, upstreamRemote)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, Closed, c.State())
}

// TestHookInjectionFromWithinDispatchDoesNotDeadlock drives a connection to
// Established, then feeds a steady-state message whose hook calls SendServer
// synchronously (the same thing a module's ToServer call does mid-Dispatch).
// FeedClient must return promptly rather than hang: c.mu guards only
// handshake bookkeeping and must never be held across Dispatch.
func TestHookInjectionFromWithinDispatchDoesNotDeadlock(t *testing.T) {
	upstreamLocal, upstreamRemote := net.Pipe()
	t.Cleanup(func() { upstreamLocal.Close(); upstreamRemote.Close() })

	cat := catalogue.New()
	cat.AddOpcode("S_LOGIN", 1, false)
	eng := dispatch.NewEngine(cat, codec.NewCBORCodec())
	session := cipher.NewSession(cipher.NewSipHashPrimitive())
	handle := newStubHandle()

	magic := []byte{0xCA, 0xFE, 0xBE, 0xEF}
	c := New(Config{Magic: magic, DropMalformedHandshake: true}, upstreamLocal, handle, session, eng, cat, nil)

	var hookRan bool
	_, err := eng.HookRaw("m", "S_LOGIN", dispatch.Options{}, func(op uint16, buf []byte, fl dispatch.Flags) dispatch.RawResult {
		if !hookRan {
			hookRan = true
			_, sendErr := c.engine.WriteBuffer(true, buf)
			require.NoError(t, sendErr)
		}
		return dispatch.RawResult{}
	})
	require.NoError(t, err)

	go io.Copy(io.Discard, upstreamRemote)

	require.NoError(t, c.FeedServer(magic))
	clientHalf0, serverHalf0 := fillHalf(1), fillHalf(2)
	clientHalf1, serverHalf1 := fillHalf(3), fillHalf(4)
	require.NoError(t, c.FeedClient(clientHalf0))
	require.NoError(t, c.FeedServer(serverHalf0))
	require.NoError(t, c.FeedClient(clientHalf1))
	require.NoError(t, c.FeedServer(serverHalf1))
	require.Equal(t, Established, c.State())

	mirror := cipher.NewSession(cipher.NewSipHashPrimitive())
	require.NoError(t, mirror.Install(cipher.SideClient, 0, clientHalf0))
	require.NoError(t, mirror.Install(cipher.SideClient, 1, clientHalf1))
	require.NoError(t, mirror.Install(cipher.SideServer, 0, serverHalf0))
	require.NoError(t, mirror.Install(cipher.SideServer, 1, serverHalf1))
	require.NoError(t, mirror.Init())

	plain := []byte{1, 0, 'h', 'i'} // opcode 1 ("S_LOGIN") + payload
	wire := append([]byte{0, 0}, plain...)
	wire[0] = byte(len(wire))
	wire[1] = byte(len(wire) >> 8)
	require.NoError(t, mirror.ApplyToServer(wire))

	done := make(chan error, 1)
	go func() { done <- c.FeedClient(wire) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("FeedClient deadlocked on a hook-triggered SendServer call")
	}
	require.True(t, hookRan)
}

func TestDriveSyntheticClientInstallsHalvesAndWritesUpstream(t *testing.T) {
	magic := []byte{0xCA, 0xFE}
	c, handle, upstreamRemote := newTestConnection(t, magic)

	upstreamReceived := make(chan []byte, 8)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := upstreamRemote.Read(buf)
			if n > 0 {
				cp := append([]byte(nil), buf[:n]...)
				upstreamReceived <- cp
			}
			if err != nil {
				return
			}
		}
	}()

	half0 := fillHalf(0xA0)
	half1 := fillHalf(0xA1)
	driveErr := make(chan error, 1)
	go func() {
		driveErr <- c.DriveSyntheticClient(half0, half1)
	}()

	require.NoError(t, c.FeedServer(magic))
	require.NoError(t, c.FeedServer(fillHalf(0xB0)))
	require.NoError(t, c.FeedServer(fillHalf(0xB1)))

	select {
	case <-handle.connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect was never called for a synthetic client")
	}

	select {
	case err := <-driveErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("DriveSyntheticClient never returned")
	}
}
