// Package files stores wrapped binary artifacts on disk, keyed by
// binary ID. The database holds metadata only; the artifact bytes live
// here and are served through the one-time download flow.
package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns the artifact directory.
type Manager struct {
	dir string
}

// NewManager creates the artifact directory if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create binaries directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Save writes an artifact atomically: content lands in a temp file that
// is renamed into place, so a crashed upload never leaves a partial
// artifact behind. Returns the byte count written.
func (m *Manager) Save(binaryID string, r io.Reader) (int64, error) {
	if err := validateID(binaryID); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(m.dir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path(binaryID)); err != nil {
		return 0, fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return n, nil
}

// Open returns the artifact for streaming plus its size.
func (m *Manager) Open(binaryID string) (io.ReadCloser, int64, error) {
	if err := validateID(binaryID); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(m.path(binaryID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Exists reports whether an artifact is stored for the binary.
func (m *Manager) Exists(binaryID string) bool {
	if validateID(binaryID) != nil {
		return false
	}
	_, err := os.Stat(m.path(binaryID))
	return err == nil
}

// Remove deletes a stored artifact. Missing artifacts are not an error.
func (m *Manager) Remove(binaryID string) error {
	if err := validateID(binaryID); err != nil {
		return err
	}
	err := os.Remove(m.path(binaryID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

func (m *Manager) path(binaryID string) string {
	return filepath.Join(m.dir, binaryID+".bin")
}

// validateID rejects IDs that could escape the artifact directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid binary id %q", id)
	}
	return nil
}
