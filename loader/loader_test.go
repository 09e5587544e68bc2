package loader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/rop/loader"
)

func TestRaw(t *testing.T) {
	f := loader.Raw([]byte{0x58, 0xc3}, 0x401000, 64)
	require.Equal(t, 64, f.Mode)
	require.Equal(t, uint64(0x401000), f.Entry)
	require.Len(t, f.Executable(), 1)
	require.Empty(t, f.Writable())

	seg := f.Segments[0]
	require.Equal(t, uint64(0x401002), seg.End())
	require.True(t, seg.Contains(0x401001))
	require.False(t, seg.Contains(0x401002))
	require.False(t, seg.Contains(0x400fff))
}

func TestFile_Search(t *testing.T) {
	f := &loader.File{Segments: []loader.Segment{
		{Name: "text", Addr: 0x1000, Data: []byte("/bin/sh\x00/bin/sh"), Exec: true},
		{Name: "data", Addr: 0x2000, Data: []byte("xx/bin/sh"), Write: true},
	}}
	require.Equal(t, []uint64{0x1000, 0x1008, 0x2002}, f.Search([]byte("/bin/sh")))
	require.Equal(t, []uint64{0x1001, 0x1009, 0x2003}, f.Search([]byte("b")))
	require.Empty(t, f.Search([]byte("/bin/bash")))
	require.Empty(t, f.Search(nil))

	require.Len(t, f.Writable(), 1)
	require.Equal(t, "data", f.Writable()[0].Name)
}

func TestOpen(t *testing.T) {
	t.Run("ErrNotExist", func(t *testing.T) {
		_, err := loader.Open(filepath.Join(t.TempDir(), "missing"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("ErrFormat", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bin")
		require.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))
		_, err := loader.Open(path)
		require.Error(t, err)
	})

	t.Run("Executable", func(t *testing.T) {
		path, err := os.Executable()
		if err != nil {
			t.Skip(err)
		}
		f, err := loader.Open(path)
		if err != nil {
			t.Skip(err)
		}
		require.NotEmpty(t, f.Executable())
		for _, seg := range f.Executable() {
			require.True(t, seg.Contains(seg.Addr))
		}
	})
}
