package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocal(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return s
}

func TestLocalStore_PutGet(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	key := ItemKey("b1", "i1", "i1_opt1.xyz")
	require.NoError(t, WriteAll(ctx, s, key, []byte("3\nC 0 0 0\n")))

	data, err := ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, "3\nC 0 0 0\n", string(data))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = os.Stat(filepath.Join(s.Root(), "b1", "i1", "i1_opt1.xyz"))
	assert.NoError(t, err)
}

func TestLocalStore_Overwrite(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	require.NoError(t, WriteAll(ctx, s, "a.cif", []byte("old")))
	require.NoError(t, WriteAll(ctx, s, "a.cif", []byte("new")))

	data, err := ReadAll(ctx, s, "a.cif")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestLocalStore_NotFound(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing.cif")
	assert.True(t, errors.Is(err, ErrNotFound))

	ok, err := s.Exists(ctx, "missing.cif")
	require.NoError(t, err)
	assert.False(t, ok)

	// Directories are not artifacts.
	require.NoError(t, WriteAll(ctx, s, "dir/file.txt", []byte("x")))
	ok, err = s.Exists(ctx, "dir")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_List(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	for _, k := range []string{"uploads/run1/b.cif", "uploads/run1/a.cif", "uploads/run1/notes.txt", "uploads/run2/c.cif"} {
		require.NoError(t, WriteAll(ctx, s, k, []byte(k)))
	}

	keys, err := s.List(ctx, "uploads/run1")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/run1/a.cif", "uploads/run1/b.cif", "uploads/run1/notes.txt"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.List(ctx, "does/not/exist")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalStore_KeysStayUnderRoot(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	require.NoError(t, WriteAll(ctx, s, "../../escape.txt", []byte("x")))
	keys, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"escape.txt"}, keys)

	_, err = s.Get(ctx, "")
	assert.Error(t, err)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "IRMOF-1", Stem("uploads/run1/IRMOF-1.cif"))
	assert.Equal(t, "a_opt1", Stem("b/i/a_opt1.xyz"))
	assert.Equal(t, "noext", Stem("noext"))
	assert.True(t, strings.HasPrefix(ItemKey("b", "i", "f"), "b/i/"))
}
