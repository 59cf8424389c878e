package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend using a local directory tree.
// Writes are atomic using a temp file and rename.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fsb *Filesystem) Root() string {
	return fsb.root
}

// Write stores data at the given key using atomic write.
func (fsb *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	aw, err := fsb.writer(key)
	if err != nil {
		return err
	}

	if _, err := io.Copy(aw, contextReader{ctx: ctx, r: r}); err != nil {
		_ = aw.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return aw.Close()
}

// Read retrieves data at the given key.
func (fsb *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fsb.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fsb *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fsb.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fsb *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fsb.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (fsb *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := fsb.Walk(ctx, prefix, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Walk calls fn for every stored key under prefix. Temp files from
// in-progress writes are skipped.
func (fsb *Filesystem) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	dir := fsb.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return fn(prefix)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories may vanish under concurrent deletes.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(fsb.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
}

// Size returns the size of the data at the given key.
func (fsb *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(fsb.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// writer opens a temp file next to key that is renamed into place on Close.
func (fsb *Filesystem) writer(key string) (*atomicWriter, error) {
	path := fsb.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: path,
	}, nil
}

func (fsb *Filesystem) keyToPath(key string) string {
	return filepath.Join(fsb.root, filepath.FromSlash(key))
}

// atomicWriter commits a temp file to its destination on Close.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	closed  bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close syncs, closes and renames the temp file into place.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort discards the write.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// contextReader stops a copy once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var (
	_ Backend          = (*Filesystem)(nil)
	_ WalkBackend      = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
