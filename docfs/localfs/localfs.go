// Package localfs exposes a local directory as a document tree. File contents
// are written atomically through the filesystem backend.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/appvault/backend"
	"github.com/wolfeidau/appvault/docfs"
)

// Document is a file or directory below a local root.
type Document struct {
	files *backend.Filesystem
	rel   string // slash separated, "" for the root
	dir   bool
}

// Open returns the root document of the existing directory dir.
func Open(dir string) (*Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, mapErr(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, docfs.ErrNotDirectory)
	}
	files, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	return &Document{files: files, dir: true}, nil
}

// Path returns the absolute path of the document.
func (d *Document) Path() string {
	return filepath.Join(d.files.Root(), filepath.FromSlash(d.rel))
}

func (d *Document) Name() string {
	if d.rel == "" {
		return filepath.Base(d.files.Root())
	}
	return path.Base(d.rel)
}

func (d *Document) IsDir() bool { return d.dir }

func (d *Document) child(name string, dir bool) *Document {
	return &Document{files: d.files, rel: path.Join(d.rel, name), dir: dir}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || backend.IsTemp(name) {
		return fmt.Errorf("invalid document name %q", name)
	}
	return nil
}

func (d *Document) FindChild(ctx context.Context, name string) (docfs.Document, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	c := d.child(name, false)
	fi, err := os.Stat(c.Path())
	if err != nil {
		return nil, mapErr(err)
	}
	c.dir = fi.IsDir()
	return c, nil
}

func (d *Document) CreateFile(ctx context.Context, name, mimeType string) (docfs.Document, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	c := d.child(name, false)
	f, err := os.OpenFile(c.Path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("creating %s: %w", c.rel, err)
	}
	return c, nil
}

func (d *Document) CreateDirectory(ctx context.Context, name string) (docfs.Document, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	c := d.child(name, true)
	if err := os.Mkdir(c.Path(), 0o700); err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (d *Document) Delete(ctx context.Context) error {
	if d.rel == "" {
		return fmt.Errorf("cannot delete root %s", d.Name())
	}
	if _, err := os.Lstat(d.Path()); err != nil {
		return mapErr(err)
	}
	if err := os.RemoveAll(d.Path()); err != nil {
		return fmt.Errorf("deleting %s: %w", d.rel, err)
	}
	return nil
}

// ListChildren lists the directory. Local listings are always complete.
func (d *Document) ListChildren(ctx context.Context) (*docfs.Listing, error) {
	if !d.dir {
		return nil, docfs.ErrNotDirectory
	}
	entries, err := os.ReadDir(d.Path())
	if err != nil {
		return nil, mapErr(err)
	}
	listing := &docfs.Listing{Entries: make([]docfs.Document, 0, len(entries))}
	for _, e := range entries {
		if backend.IsTemp(e.Name()) {
			continue
		}
		listing.Entries = append(listing.Entries, d.child(e.Name(), e.IsDir()))
	}
	return listing, nil
}

func (d *Document) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	if d.dir {
		return nil, docfs.ErrIsDirectory
	}
	rc, err := d.files.Read(ctx, d.rel)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", d.rel, docfs.ErrNotExist)
	}
	return rc, err
}

func (d *Document) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	if d.dir {
		return nil, docfs.ErrIsDirectory
	}
	if _, err := os.Stat(d.Path()); err != nil {
		return nil, mapErr(err)
	}
	return d.files.Writer(ctx, d.rel)
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", docfs.ErrNotExist, err)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %w", docfs.ErrExist, err)
	default:
		return err
	}
}

var _ docfs.Document = (*Document)(nil)
