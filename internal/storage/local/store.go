// Package local stores raw artifacts as files under a root directory, using
// the artifact key as the relative path.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"transit_fetcher/internal/domain"
)

const defaultWriteConcurrency = 32

type Store struct {
	root             string
	writeConcurrency int
}

func New(root string) *Store {
	return &Store{root: root, writeConcurrency: defaultWriteConcurrency}
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", domain.ErrStorage, key, err)
	}
	return true, nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, key, err)
	}
	return data, true, nil
}

// WriteMany writes all entries concurrently, creating directories on demand.
// Each file is written to a temporary name and renamed into place.
func (s *Store) WriteMany(ctx context.Context, entries map[string][]byte) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.writeConcurrency)

	for key, data := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.write(key, data)
		})
	}

	return g.Wait()
}

func (s *Store) write(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir for %s: %w", domain.ErrStorage, key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %w", domain.ErrStorage, key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %w", domain.ErrStorage, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", domain.ErrStorage, key, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("%w: rename %s: %w", domain.ErrStorage, key, err)
	}
	return nil
}

// path maps a key to a file below root, refusing keys that escape it.
func (s *Store) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid key %q", domain.ErrStorage, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
