// Package artifact stores structure files and stage outputs. Keys are
// slash-separated paths relative to the store root, e.g.
// "<batch>/<item>/<item>_opt1.xyz".
package artifact

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = eris.New("artifact: not found")

// Store is a flat key/value store for artifact files.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll fetches the full contents of key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", key)
	}
	return data, nil
}

// WriteAll stores data under key.
func WriteAll(ctx context.Context, s Store, key string, data []byte) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// ItemKey returns the key for an item's output file.
func ItemKey(batchID, itemID, filename string) string {
	return path.Join(batchID, itemID, filename)
}

// Stem returns the file name of key without directory or extension.
func Stem(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}

// cleanKey normalizes key and rejects keys that escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", eris.Errorf("artifact: invalid key %q", key)
	}
	return k, nil
}
