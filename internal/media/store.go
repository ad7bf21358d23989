package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore lays artifacts out as <dir>/<event_id>/<name>. Events never share a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Dir() string { return s.dir }

// Ensure creates the root directory and checks that it is writable.
func (s *FileStore) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("storage dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FileStore) EventDir(eventID string) string {
	return filepath.Join(s.dir, eventID)
}

func (s *FileStore) Path(eventID, name string) string {
	return filepath.Join(s.dir, eventID, name)
}

// Written describes a file committed by WriteAtomic.
type Written struct {
	Path     string
	Checksum string
	Size     int64
}

// WriteAtomic streams fn's output to a temp file next to the destination,
// hashing it on the way, and renames it into place only if fn succeeds.
func (s *FileStore) WriteAtomic(eventID, name string, fn func(w io.Writer) error) (*Written, error) {
	dir := s.EventDir(eventID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	if err := fn(cw); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, err
	}
	committed = true
	return &Written{Path: dest, Checksum: hex.EncodeToString(h.Sum(nil)), Size: cw.n}, nil
}

// Remove deletes a single artifact file. Missing files are not an error.
func (s *FileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveEvent deletes everything stored for an event.
func (s *FileStore) RemoveEvent(eventID string) error {
	if eventID == "" {
		return nil
	}
	return os.RemoveAll(s.EventDir(eventID))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// FileChecksum returns the sha256 hex digest and size of the file at path.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
