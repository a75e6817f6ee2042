package artifact

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// LocalStore keeps artifacts on the local filesystem under a root directory.
type LocalStore struct {
	root string
}

// NewLocal creates the root directory if needed and returns a LocalStore.
func NewLocal(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create root %s", root)
	}
	return &LocalStore{root: root}, nil
}

// Root returns the directory backing the store.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(k)), nil
}

// Put writes to a temp file in the target directory and renames it into
// place so readers never see a partial file.
func (s *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "artifact: create temp for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "artifact: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "artifact: close %s", key)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return eris.Wrapf(err, "artifact: rename %s", key)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "artifact: %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: open %s", key)
	}
	return f, nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "artifact: stat %s", key)
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	dir := s.root
	if strings.Trim(prefix, "/") != "" {
		k, err := cleanKey(prefix)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(s.root, filepath.FromSlash(k))
	}

	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, path.Clean(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}
