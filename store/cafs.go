package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/backend"
)

const spoolPrefix = "spool-"

// CAFS implements content-addressable file storage in a local directory.
// Files live at <root>/blobs/<hex[:2]>/<hex> and hold exact record bytes.
//
// CAFS does no locking of its own: callers that need check-then-act
// semantics across Adopt and Delete serialise them.
type CAFS struct {
	root    string
	tempDir string
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithTempDir sets the directory for spooled writes. It must be on the same
// filesystem as the root so that adoption is a rename.
func WithTempDir(dir string) CAFSOption {
	return func(c *CAFS) {
		c.tempDir = dir
	}
}

// NewCAFS creates a content-addressable file store rooted at root. Stale
// spool files left by a previous process are removed.
func NewCAFS(root string, opts ...CAFSOption) (*CAFS, error) {
	c := &CAFS{root: root, tempDir: filepath.Join(root, "tmp")}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(filepath.Join(c.root, blobcache.BlobPrefix), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	if err := c.cleanSpool(); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the store root.
func (c *CAFS) Root() string {
	return c.root
}

// Path returns the file path for id whether or not it is stored.
func (c *CAFS) Path(id blobcache.Identifier) string {
	return filepath.Join(c.root, filepath.FromSlash(blobcache.StorageKey(id)))
}

// Spool streams r into a temp file while computing its identifier.
func (c *CAFS) Spool(ctx context.Context, r io.Reader) (*Spooled, error) {
	tmp, err := os.CreateTemp(c.tempDir, spoolPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	sp := &Spooled{Path: tmp.Name()}

	ir := blobcache.NewIdentifyingReader(ctxReader{ctx: ctx, r: r})
	if _, err := io.Copy(tmp, ir); err != nil {
		_ = tmp.Close()
		sp.Discard()
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		sp.Discard()
		return nil, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		sp.Discard()
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	sp.ID = ir.Identifier()
	sp.Size = ir.BytesRead()
	return sp, nil
}

// Adopt moves the file at src into the store under id. src must already be
// known to hash to id. If id is already stored, src is removed and the
// result reports Exists.
func (c *CAFS) Adopt(id blobcache.Identifier, src string) (*PutResult, error) {
	dst := c.Path(id)

	if info, err := os.Stat(dst); err == nil {
		_ = os.Remove(src)
		return &PutResult{ID: id, Size: info.Size(), Exists: true}, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("renaming into store: %w", err)
	}
	return &PutResult{ID: id, Size: info.Size()}, nil
}

// Open opens the file holding id.
func (c *CAFS) Open(id blobcache.Identifier) (*os.File, error) {
	f, err := os.Open(c.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("opening %s: %w", id.Short(), err)
	}
	return f, nil
}

// Stat returns the file info for id.
func (c *CAFS) Stat(id blobcache.Identifier) (fs.FileInfo, error) {
	info, err := os.Stat(c.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", id.Short(), err)
	}
	return info, nil
}

// Has reports whether id is stored.
func (c *CAFS) Has(id blobcache.Identifier) bool {
	_, err := os.Stat(c.Path(id))
	return err == nil
}

// Delete removes id.
func (c *CAFS) Delete(id blobcache.Identifier) error {
	if err := os.Remove(c.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", id.Short(), err)
	}
	return nil
}

// Verify rehashes the stored file for id and returns blobcache.ErrIntegrity
// if it no longer matches.
func (c *CAFS) Verify(id blobcache.Identifier) error {
	f, err := c.Open(id)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	got, _, err := blobcache.Digest(f)
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("%w: %s hashes to %s", blobcache.ErrIntegrity, id.Short(), got.Short())
	}
	return nil
}

// Walk calls fn for every stored identifier. Files whose names are not
// valid identifiers in the right shard are skipped.
func (c *CAFS) Walk(ctx context.Context, fn func(id blobcache.Identifier, info fs.FileInfo) error) error {
	base := filepath.Join(c.root, blobcache.BlobPrefix)
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		id, err := blobcache.ParseStorageKey(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(id, info)
	})
}

// cleanSpool removes spool files from an earlier process.
func (c *CAFS) cleanSpool() error {
	entries, err := os.ReadDir(c.tempDir)
	if err != nil {
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), spoolPrefix) {
			_ = os.Remove(filepath.Join(c.tempDir, e.Name()))
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
