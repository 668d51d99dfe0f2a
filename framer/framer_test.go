package framer

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildMessage(opcode uint16, payload []byte) []byte {
	length := 4 + len(payload)
	msg := make([]byte, length)
	binary.LittleEndian.PutUint16(msg[0:2], uint16(length))
	binary.LittleEndian.PutUint16(msg[2:4], opcode)
	copy(msg[4:], payload)
	return msg
}

func TestReadDrainsMultipleMessages(t *testing.T) {
	m1 := buildMessage(1, []byte("hello"))
	m2 := buildMessage(2, []byte("world!"))

	f := New()
	f.Write(append(append([]byte{}, m1...), m2...))

	got, ok, err := f.Read()
	if err != nil || !ok {
		t.Fatalf("Read() #1 = %v, %v, %v", got, ok, err)
	}
	if !bytes.Equal(got, m1) {
		t.Fatalf("Read() #1 = %x, want %x", got, m1)
	}

	got, ok, err = f.Read()
	if err != nil || !ok {
		t.Fatalf("Read() #2 = %v, %v, %v", got, ok, err)
	}
	if !bytes.Equal(got, m2) {
		t.Fatalf("Read() #2 = %x, want %x", got, m2)
	}

	if _, ok, _ := f.Read(); ok {
		t.Fatalf("Read() #3 should report no message")
	}
}

func TestReadRetainsPartialMessage(t *testing.T) {
	m := buildMessage(7, []byte("partial-payload"))

	f := New()
	f.Write(m[:3])
	if _, ok, _ := f.Read(); ok {
		t.Fatalf("Read() reported a complete message from a partial write")
	}

	f.Write(m[3:])
	got, ok, err := f.Read()
	if err != nil || !ok {
		t.Fatalf("Read() = %v, %v, %v", got, ok, err)
	}
	if !bytes.Equal(got, m) {
		t.Fatalf("Read() = %x, want %x", got, m)
	}
}

func TestReadRejectsShortLength(t *testing.T) {
	f := New()
	f.Write([]byte{3, 0, 0xAA, 0xBB, 0xCC})
	if _, _, err := f.Read(); err == nil {
		t.Fatalf("Read() should reject a declared length below the header size")
	}
}

// TestArbitrarySplitsRoundTrip is the framer round-trip property from
// spec.md §8: concatenating arbitrary splits of a byte stream and feeding
// them piecewise to Write yields the same message sequence as one shot.
func TestArbitrarySplitsRoundTrip(t *testing.T) {
	var stream []byte
	var want [][]byte
	for i := 0; i < 25; i++ {
		msg := buildMessage(uint16(i), bytes.Repeat([]byte{byte(i)}, i*3))
		want = append(want, msg)
		stream = append(stream, msg...)
	}

	splits := []int{1, 7, 2, 0, 50, 3, 1000, 11}
	f := New()
	pos := 0
	splitIdx := 0
	var got [][]byte
	for pos < len(stream) {
		n := splits[splitIdx%len(splits)]
		splitIdx++
		if n == 0 {
			n = 1
		}
		end := pos + n
		if end > len(stream) {
			end = len(stream)
		}
		f.Write(stream[pos:end])
		pos = end

		for {
			msg, ok, err := f.Read()
			if err != nil {
				t.Fatalf("Read() error: %v", err)
			}
			if !ok {
				break
			}
			got = append(got, append([]byte{}, msg...))
		}
	}

	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("message %d = %x, want %x", i, got[i], want[i])
		}
	}
}
