package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dest is the filesystem the file sink writes into.
type Dest interface {
	ReadFile(name string) ([]byte, error)
	// WriteFile replaces name atomically.
	WriteFile(name string, data []byte) error
	Exists(name string) (bool, error)
	// ReadDir lists the top-level entry names.
	ReadDir() ([]string, error)
	// Remove deletes name and everything under it.
	Remove(name string) error
	// Transact runs fn against a scratch directory that becomes dir only if
	// fn succeeds. A reader never sees dir partially written.
	Transact(dir string, fn func(tx Dest) error) error
}

// Temp entries carry this marker and a leading dot so folder validation
// never mistakes them for chunks.
const tempMarker = ".tmp-"

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

type LocalDest struct {
	root string
}

func NewLocalDest(root string) (*LocalDest, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &LocalDest{root: root}, nil
}

func (d *LocalDest) Root() string { return d.root }

func (d *LocalDest) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *LocalDest) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.path(name))
}

func (d *LocalDest) WriteFile(name string, data []byte) error {
	target := d.path(name)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+tempMarker+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, target)
}

func (d *LocalDest) Exists(name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *LocalDest) ReadDir() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (d *LocalDest) Remove(name string) error {
	return os.RemoveAll(d.path(name))
}

func (d *LocalDest) Transact(dir string, fn func(tx Dest) error) error {
	tmp, err := os.MkdirTemp(d.root, "."+dir+tempMarker+"*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if err := fn(&LocalDest{root: tmp}); err != nil {
		return err
	}

	// A folder left by an earlier run for the same range is replaced.
	target := d.path(dir)
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	committed = true
	return nil
}
