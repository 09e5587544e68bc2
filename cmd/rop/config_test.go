package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/rop"
	"github.com/benbjohnson/rop/x86"
)

func TestReadConfigFile(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		config, err := ReadConfigFile("")
		require.NoError(t, err)
		require.Equal(t, NewConfig(), config)
	})

	t.Run("OK", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rop.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
mode: 32
bad-bytes: ["00", "0a,0d"]
keep: [ebp]
budget: 12
timeout: 500ms
`), 0o600))

		config, err := ReadConfigFile(path)
		require.NoError(t, err)
		require.Equal(t, 32, config.Mode)
		require.Equal(t, 12, config.Budget)
		require.Equal(t, 500*time.Millisecond, config.Timeout)
		require.Equal(t, rop.DefaultMaxDepth, config.MaxDepth)

		arch := x86.ArchForMode(32)
		c, err := config.Constraints(arch, true, false)
		require.NoError(t, err)
		require.True(t, c.RequireRet)
		require.Equal(t, 3, c.BadBytes.Cardinality())
		require.True(t, c.BadBytes.Contains(0x0a))

		ebp, err := arch.RegID("ebp")
		require.NoError(t, err)
		require.Equal(t, []uint32{ebp}, c.Keep)
	})

	t.Run("ErrInvalidMode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rop.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mode: 16\n"), 0o600))
		_, err := ReadConfigFile(path)
		require.EqualError(t, err, "invalid mode: 16")
	})

	t.Run("ErrInvalidBadByte", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rop.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bad-bytes: [zz]\n"), 0o600))
		_, err := ReadConfigFile(path)
		require.EqualError(t, err, `invalid bad byte: "zz"`)
	})
}

func TestConfig_Constraints_ErrUnknownReg(t *testing.T) {
	config := NewConfig()
	config.Keep = []string{"xyz"}
	_, err := config.Constraints(x86.ArchForMode(64), false, false)
	require.ErrorIs(t, err, rop.ErrUnknownReg)
}
