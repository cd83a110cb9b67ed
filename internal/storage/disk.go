// Package storage provides the persistence capability for processed
// cutouts: put bytes under a generated name, get them back by name.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store persists encoded artifacts. Put returns a locator the client can
// fetch the artifact from later.
type Store interface {
	Put(name string, data []byte) (string, error)
	Get(name string) ([]byte, error)
}

// Disk stores artifacts as flat files under a single directory and returns
// URL-path locators.
type Disk struct {
	dir      string
	basePath string
}

// NewDisk creates the directory if needed. basePath is the public URL
// prefix embedded in locators, e.g. "/processed".
func NewDisk(dir, basePath string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &Disk{dir: dir, basePath: basePath}, nil
}

// Put writes data under name and returns its locator.
func (d *Disk) Put(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return d.basePath + "/" + name, nil
}

// Get reads the artifact stored under name. The name is reduced to its base
// component, so locators cannot escape the storage directory.
func (d *Disk) Get(name string) ([]byte, error) {
	name = filepath.Base(name)
	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Ensure Disk implements Store at compile time
var _ Store = (*Disk)(nil)
