package scripting

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var ErrBadLocation = errors.New("script location escapes the scripts directory")

// FileSource serves external scripts from a directory. Locations are
// relative slash paths; a location without an extension gets ".lua".
type FileSource struct {
	root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{root: root}
}

func (s *FileSource) path(location string) (string, error) {
	loc := filepath.FromSlash(location)
	if !filepath.IsLocal(loc) {
		return "", fmt.Errorf("%w: %q", ErrBadLocation, location)
	}
	if filepath.Ext(loc) == "" {
		loc += ".lua"
	}
	return filepath.Join(s.root, loc), nil
}

func (s *FileSource) Fetch(_ context.Context, location string) (string, time.Time, error) {
	p, err := s.path(location)
	if err != nil {
		return "", time.Time{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return "", time.Time{}, notFound(err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", time.Time{}, notFound(err)
	}
	return string(b), st.ModTime(), nil
}

func (s *FileSource) Stat(_ context.Context, location string) (time.Time, error) {
	p, err := s.path(location)
	if err != nil {
		return time.Time{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return time.Time{}, notFound(err)
	}
	return st.ModTime(), nil
}

// Store writes through a temp file and rename so readers never see a
// partial script.
func (s *FileSource) Store(_ context.Context, location, code string) (time.Time, error) {
	p, err := s.path(location)
	if err != nil {
		return time.Time{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return time.Time{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".draft-*")
	if err != nil {
		return time.Time{}, err
	}
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return time.Time{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return time.Time{}, err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return time.Time{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	return err
}
