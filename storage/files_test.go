package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "nested", "processed"))
	require.NoError(t, err)
	return s
}

func TestSaveUploadAndOpen(t *testing.T) {
	s := newTestStore(t)

	path, err := s.SaveUpload("abc", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "abc.jpg", filepath.Base(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(got))

	opened, err := s.Open(Uploads, "abc.jpg")
	require.NoError(t, err)
	assert.Equal(t, path, opened)
	assert.True(t, s.Exists(Uploads, "abc.jpg"))
	assert.False(t, s.Exists(Processed, "abc.jpg"))
}

func TestWriteProcessedAndRename(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WriteProcessed("id.jpg", func(w io.Writer) error {
		_, err := w.Write([]byte("annotated"))
		return err
	})
	require.NoError(t, err)

	// an older file with the target name is replaced
	_, err = s.WriteProcessed("processed_photo.jpg", func(w io.Writer) error { return nil })
	require.NoError(t, err)

	dst, err := s.RenameProcessed("id.jpg", "processed_photo.jpg")
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(got))
	assert.False(t, s.Exists(Processed, "id.jpg"))

	_, err = s.RenameProcessed("missing.jpg", "x.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteProcessed_FailureRemovesFile(t *testing.T) {
	s := newTestStore(t)

	_, err := s.WriteProcessed("broken.jpg", func(w io.Writer) error {
		return errors.New("encoder failed")
	})
	require.Error(t, err)
	assert.False(t, s.Exists(Processed, "broken.jpg"))
}

func TestOpen_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"", "..", "../secret", `..\secret`, "a/b.jpg", "x..y"} {
		_, err := s.Open(Processed, name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err := s.Open(Processed, "nothing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}
