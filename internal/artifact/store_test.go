package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitWritesFinalFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	s := NewStore(dir)

	w, err := s.Create("job/42", ".mp4")
	require.NoError(t, err)

	st, ok := s.Status("job/42")
	require.True(t, ok)
	assert.True(t, st.Writing)
	_, ok = s.Path("job/42")
	assert.False(t, ok)

	_, err = w.Write([]byte("annotated"))
	require.NoError(t, err)
	st, err = w.Commit()
	require.NoError(t, err)

	assert.True(t, st.Complete)
	assert.Equal(t, uint64(9), st.BytesWritten)
	assert.True(t, strings.HasPrefix(st.Filename, "job_42_"))
	assert.True(t, strings.HasSuffix(st.Filename, ".mp4"))

	p, ok := s.Path("job/42")
	require.True(t, ok)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))

	_, err = os.Stat(p + ".part")
	assert.True(t, os.IsNotExist(err))

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestAbortRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	w, err := s.Create("j1", "")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, ok := s.Status("j1")
	assert.False(t, ok)
	require.NoError(t, w.Abort())
}

func TestCreateRejectsEmptyID(t *testing.T) {
	_, err := NewStore(t.TempDir()).Create("", ".mp4")
	assert.Error(t, err)
}
