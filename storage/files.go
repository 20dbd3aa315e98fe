package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a requested image does not exist.
	ErrNotFound = errors.New("image not found")
	// ErrInvalidName is returned for names that could escape their directory.
	ErrInvalidName = errors.New("invalid file name")
)

// Kind selects one of the two image directories.
type Kind string

const (
	Uploads   Kind = "uploads"
	Processed Kind = "processed"
)

// Store keeps original uploads and annotated images on local disk.
type Store struct {
	uploadDir    string
	processedDir string
}

// NewStore creates both directories if needed.
func NewStore(uploadDir, processedDir string) (*Store, error) {
	for _, dir := range []string{uploadDir, processedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return &Store{uploadDir: uploadDir, processedDir: processedDir}, nil
}

func (s *Store) dir(kind Kind) string {
	if kind == Processed {
		return s.processedDir
	}
	return s.uploadDir
}

// Path joins a validated name onto the directory of kind.
func (s *Store) Path(kind Kind, name string) (string, error) {
	if !validName(name) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir(kind), name), nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// SaveUpload stores an original image as "<id>.jpg".
func (s *Store) SaveUpload(id string, r io.Reader) (string, error) {
	return s.write(Uploads, id+".jpg", func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// WriteProcessed creates name in the processed directory and lets fn fill it.
func (s *Store) WriteProcessed(name string, fn func(io.Writer) error) (string, error) {
	return s.write(Processed, name, fn)
}

func (s *Store) write(kind Kind, name string, fn func(io.Writer) error) (string, error) {
	path, err := s.Path(kind, name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// RenameProcessed moves a processed image to a new name, replacing any file
// already there.
func (s *Store) RenameProcessed(from, to string) (string, error) {
	src, err := s.Path(Processed, from)
	if err != nil {
		return "", err
	}
	dst, err := s.Path(Processed, to)
	if err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("rename %s: %w", src, err)
	}
	return dst, nil
}

// Exists reports whether name is present in the directory of kind.
func (s *Store) Exists(kind Kind, name string) bool {
	path, err := s.Path(kind, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open resolves an image for serving.
func (s *Store) Open(kind Kind, name string) (string, error) {
	path, err := s.Path(kind, name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}
