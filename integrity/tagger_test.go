package integrity

import (
	"bytes"
	"testing"
)

func TestApplyRequiresSeed(t *testing.T) {
	tg, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) = %v", err)
	}
	if tg.Seeded() {
		t.Fatalf("unseeded tagger reports Seeded()")
	}

	buf := make([]byte, 20)
	if err := tg.Apply(buf, 1); err != ErrNotSeeded {
		t.Fatalf("Apply() on unseeded tagger = %v, want ErrNotSeeded", err)
	}
}

func TestApplyWritesTrailingTag(t *testing.T) {
	tg, err := New([]byte("construction-time seed material"))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	buf := append([]byte("payload-bytes-before-the-tag"), make([]byte, TagLength)...)
	before := append([]byte{}, buf...)

	if err := tg.Apply(buf, 42); err != nil {
		t.Fatalf("Apply() = %v", err)
	}

	tail := buf[len(buf)-TagLength:]
	if bytes.Equal(tail, before[len(before)-TagLength:]) {
		t.Fatalf("Apply() did not change the trailing tag bytes")
	}
	body := buf[:len(buf)-TagLength]
	if !bytes.Equal(body, before[:len(before)-TagLength]) {
		t.Fatalf("Apply() modified the message body")
	}
}

func TestApplyIsDeterministicForSameSeed(t *testing.T) {
	seed := []byte("a shared login-derived seed")
	tgA, _ := New(seed)
	tgB, _ := New(seed)

	bufA := append([]byte("identical-message"), make([]byte, TagLength)...)
	bufB := append([]byte{}, bufA...)

	if err := tgA.Apply(bufA, 7); err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if err := tgB.Apply(bufB, 7); err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if !bytes.Equal(bufA, bufB) {
		t.Fatalf("same seed and message produced different tags: %x vs %x", bufA, bufB)
	}
}

func TestLazySeedFromLoginMessage(t *testing.T) {
	tg, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) = %v", err)
	}

	buf := make([]byte, TagLength+1)
	if err := tg.Apply(buf, 1); err != ErrNotSeeded {
		t.Fatalf("Apply() before Seed() = %v, want ErrNotSeeded", err)
	}

	if err := tg.Seed([]byte("derived from an inbound login message")); err != nil {
		t.Fatalf("Seed() = %v", err)
	}
	if err := tg.Apply(buf, 1); err != nil {
		t.Fatalf("Apply() after Seed() = %v", err)
	}
}
