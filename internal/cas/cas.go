// Package cas implements a content-addressed blob store on the local
// filesystem. Blobs live under <root>/<h[0:2]>/<h[2:4]>/<hash>[.ext] so the
// location is a pure function of the content hash and directory fan-out
// stays bounded. Writes are idempotent: storing bytes that already exist is
// a no-op. The store exposes no deletion; blob lifecycle is out of scope.
package cas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mailpipe/mailpipe/internal/ids"
)

// Stored describes one persisted blob.
type Stored struct {
	SHA256 string
	Path   string
	Size   int64
}

// Store writes blobs under a root directory.
type Store struct {
	root string
}

// New creates a store rooted at root and ensures the root exists.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the blob path for a content hash and optional extension.
func (s *Store) PathFor(hash, ext string) string {
	name := hash
	if ext != "" {
		name = hash + "." + strings.TrimPrefix(strings.ToLower(ext), ".")
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], name)
}

// Store persists data under its content hash. If a blob with the same hash
// already exists the bytes are not rewritten. ext may be empty.
func (s *Store) Store(data []byte, ext string) (Stored, error) {
	hash := ids.Hash(data)
	path := s.PathFor(hash, ext)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Stored{}, fmt.Errorf("failed to create blob directory: %w", err)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		return Stored{SHA256: hash, Path: path, Size: info.Size()}, nil
	case os.IsNotExist(err):
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return Stored{}, fmt.Errorf("failed to write blob: %w", err)
		}
		return Stored{SHA256: hash, Path: path, Size: int64(len(data))}, nil
	default:
		return Stored{}, fmt.Errorf("failed to stat blob: %w", err)
	}
}
