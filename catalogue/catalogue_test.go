package catalogue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeAcceptsEitherNamingConvention(t *testing.T) {
	require.Equal(t, "S_LOGIN", Canonicalize("S_LOGIN"))
	require.Equal(t, "S_LOGIN", Canonicalize("sLogin"))
	require.Equal(t, "S_LOGIN", Canonicalize("s_login"))
}

func TestAddOpcodeRoundTrips(t *testing.T) {
	c := New()
	c.AddOpcode("sLogin", 1, true)

	op, err := c.Opcode("S_LOGIN")
	require.NoError(t, err)
	require.Equal(t, uint16(1), op)

	name, err := c.Name(1)
	require.NoError(t, err)
	require.Equal(t, "S_LOGIN", name)

	require.True(t, c.HasName("sLogin"))
	require.True(t, c.HasPadding(1))
}

func TestOpcodeUnknownNameReturnsTypedError(t *testing.T) {
	c := New()
	_, err := c.Opcode("S_MISSING")
	require.Error(t, err)
	var target UnknownNameError
	require.ErrorAs(t, err, &target)
}

func TestNameUnknownOpcodeReturnsTypedError(t *testing.T) {
	c := New()
	_, err := c.Name(99)
	require.Error(t, err)
	var target UnknownOpcodeError
	require.ErrorAs(t, err, &target)
}

func TestLoadTOMLParsesOpcodeTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogue.toml")
	contents := `
[[opcode]]
name = "S_LOGIN"
opcode = 1
padding = true

[[opcode]]
name = "S_LOGOUT"
opcode = 2
padding = false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	c, err := LoadTOML(path)
	require.NoError(t, err)

	op, err := c.Opcode("S_LOGIN")
	require.NoError(t, err)
	require.Equal(t, uint16(1), op)
	require.True(t, c.HasPadding(1))

	op, err = c.Opcode("S_LOGOUT")
	require.NoError(t, err)
	require.Equal(t, uint16(2), op)
	require.False(t, c.HasPadding(2))
}

func TestApplyPaddingPredicateRewritesTable(t *testing.T) {
	c := New()
	c.AddOpcode("S_LOGIN", 1, false)
	c.AddOpcode("S_PING", 2, true)

	c.ApplyPaddingPredicate(2, func(protocolVersion int, name string) bool {
		return name == "S_LOGIN"
	})

	require.True(t, c.HasPadding(1))
	require.False(t, c.HasPadding(2))
}

func TestSetLatestVersionKeepsHighestSeen(t *testing.T) {
	c := New()
	c.SetLatestVersion("S_LOGIN", 1)
	c.SetLatestVersion("S_LOGIN", 3)
	c.SetLatestVersion("S_LOGIN", 2)

	v, ok := c.LatestVersion("sLogin")
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = c.LatestVersion("S_UNKNOWN")
	require.False(t, ok)
}
