package backing

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lunixbochs/areacorn/go/models"
)

func newStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestCreateOpenClose(t *testing.T) {
	s := newStore(t)
	path, err := s.CreateSharedFile("heap/area", 0x2000)
	require.NoError(t, err)
	assert.FileExists(t, path)

	a, err := s.OpenSharedFile(path, true)
	require.NoError(t, err)
	b, err := s.OpenSharedFile(path, false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	size, err := s.Size(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), size)

	require.NoError(t, s.WriteAt(a, []byte("hello"), 0x10))
	p := make([]byte, 5)
	require.NoError(t, s.ReadAt(b, p, 0x10))
	assert.Equal(t, "hello", string(p))

	require.NoError(t, s.Close(a))
	assert.FileExists(t, path)
	require.NoError(t, s.Close(b))
	assert.NoFileExists(t, path)
	assert.Zero(t, s.Refs())
}

func TestCloneIsIndependent(t *testing.T) {
	s := newStore(t)
	path, err := s.CreateSharedFile("src", 0x1000)
	require.NoError(t, err)
	src, err := s.OpenSharedFile(path, true)
	require.NoError(t, err)
	require.NoError(t, s.WriteAt(src, []byte{1, 2, 3}, 0))

	clonePath, err := s.CloneSharedFile("dst", src)
	require.NoError(t, err)
	assert.NotEqual(t, path, clonePath)
	dst, err := s.OpenSharedFile(clonePath, true)
	require.NoError(t, err)

	p := make([]byte, 3)
	require.NoError(t, s.ReadAt(dst, p, 0))
	assert.Equal(t, []byte{1, 2, 3}, p)

	require.NoError(t, s.WriteAt(dst, []byte{9}, 0))
	require.NoError(t, s.ReadAt(src, p, 0))
	assert.Equal(t, []byte{1, 2, 3}, p)
}

func TestUnknownRefs(t *testing.T) {
	s := newStore(t)
	_, err := s.Path(4)
	assert.ErrorIs(t, err, models.ErrEntryNotFound)
	assert.ErrorIs(t, s.Close(4), models.ErrEntryNotFound)
	_, err = s.CloneSharedFile("x", 4)
	assert.ErrorIs(t, err, models.ErrEntryNotFound)
	_, err = s.OpenSharedFile(s.Dir()+"/missing", false)
	assert.ErrorIs(t, err, models.ErrEntryNotFound)
}

func TestTruncate(t *testing.T) {
	s := newStore(t)
	path, err := s.CreateSharedFile("grow", 0x1000)
	require.NoError(t, err)
	rw, err := s.OpenSharedFile(path, true)
	require.NoError(t, err)
	ro, err := s.OpenSharedFile(path, false)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(rw, 0x3000))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0x3000), st.Size())
	assert.ErrorIs(t, s.Truncate(ro, 0), models.ErrBadValue)
}
