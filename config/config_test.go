package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
listen = "0.0.0.0:9000"
upstream = "game.example.com:9001"
catalogue_file = "catalogue.toml"

[handshake]
magic_hex = "cafebeef"
drop_malformed_handshake = true

[log]
file = ""
verbose = true
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gaterelay.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile() = %v", err)
	}
	return path
}

func TestLoadParsesHandshakeMagic(t *testing.T) {
	path := writeTemp(t, sampleConfig)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if c.Listen != "0.0.0.0:9000" {
		t.Fatalf("Listen = %q", c.Listen)
	}
	magic, err := c.Handshake.Magic()
	if err != nil {
		t.Fatalf("Magic() = %v", err)
	}
	want := []byte{0xca, 0xfe, 0xbe, 0xef}
	if len(magic) != len(want) {
		t.Fatalf("Magic() = %x, want %x", magic, want)
	}
	for i := range want {
		if magic[i] != want[i] {
			t.Fatalf("Magic() = %x, want %x", magic, want)
		}
	}
	if !c.Handshake.DropMalformedHandshake {
		t.Fatalf("DropMalformedHandshake = false, want true")
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `listen = "0.0.0.0:9000"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() with no upstream/catalogue_file should fail")
	}
}
