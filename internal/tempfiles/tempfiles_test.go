package tempfiles

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndDeleteOnClose(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, "tempfiles-test-*")
	require.NoError(t, err)

	_, err = f.WriteString("hello")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	path := f.Name()
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)
	require.NotContains(t, rel, "..")

	rc := NewDeleteOnClose(f)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.NoError(t, rc.Close())

	_, err = os.Stat(path)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestSpool(t *testing.T) {
	dir := t.TempDir()

	sp, err := Spool(dir, "spool-*", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	defer sp.Discard()
	require.Equal(t, int64(5), sp.Size)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sp.SHA256)
	data, err := io.ReadAll(sp)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = Spool(dir, "spool-*", strings.NewReader("hello!"), 5)
	require.ErrorIs(t, err, ErrLimitExceeded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
