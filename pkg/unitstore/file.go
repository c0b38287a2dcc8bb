package unitstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// tempPrefix marks in-progress files. No layout can produce a final path
// starting with it because unit paths end in the encoder extension.
const tempPrefix = ".partial-"

// FileStore stores units under a local directory.
//
// Directory layout:
//
//	<root>/<layout path>
//	<root>/<layout dir>/.partial-<name>.* (while writing)
type FileStore struct {
	base
	root string
}

// NewFileStore returns a store rooted at root.
func NewFileStore(root string, opts Options) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("unitstore: root dir is empty")
	}
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &FileStore{base: b, root: root}, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string {
	return s.root
}

// PathFor returns the absolute-or-root-relative file path for u.
func (s *FileStore) PathFor(u unit.Unit) string {
	return filepath.Join(s.root, filepath.FromSlash(s.relPath(u)))
}

// Exists reports whether u's file is present.
func (s *FileStore) Exists(_ context.Context, u unit.Unit) (bool, error) {
	info, err := os.Stat(s.PathFor(u))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat unit file: %w", err)
}

// Write encodes p into a temp file beside the final path, syncs it, then
// renames it into place.
func (s *FileStore) Write(ctx context.Context, u unit.Unit, p *source.Payload) error {
	if p == nil {
		return ErrNilPayload
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	finalPath := s.PathFor(u)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+filepath.Base(finalPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)
	if err := s.enc.Encode(bw, p); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode unit: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp unit file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp unit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp unit file: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename unit file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
