package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// tmpPrefix marks in-flight atomic writes; readers never see these names.
const tmpPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file, fsync and rename.
type Filesystem struct {
	root     string
	fileMode fs.FileMode
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithFileMode sets the permission bits of committed files. Defaults to 0600
// since cache files hold private device state.
func WithFileMode(mode fs.FileMode) FilesystemOption {
	return func(f *Filesystem) {
		f.fileMode = mode
	}
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	f := &Filesystem{root: absRoot, fileMode: 0o600}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at the given key using atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.(Aborter).Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	p, err := f.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	p, err := f.keyToPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Writer returns a WriteCloser for writing to the given key.
// The write is atomic - data is written to a temp file and renamed on Close.
func (f *Filesystem) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	p, err := f.keyToPath(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{
		f:       tmp,
		tmpPath: tmp.Name(),
		dstPath: p,
		mode:    f.fileMode,
	}, nil
}

// IsTemp reports whether name is an in-flight atomic write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tmpPrefix)
}

// keyToPath converts a key to a filesystem path, rejecting keys that would
// resolve outside the root.
func (f *Filesystem) keyToPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean[1:])), nil
}

// atomicWriter wraps a file for atomic writing.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	mode    fs.FileMode
	closed  bool
}

// Write implements io.Writer.
func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write by renaming the temp file.
func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Chmod(w.mode); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("setting file mode: %w", err)
	}

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

// Abort cancels the write and removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

// Compile-time interface checks
var (
	_ Backend       = (*Filesystem)(nil)
	_ WriterBackend = (*Filesystem)(nil)
	_ Aborter       = (*atomicWriter)(nil)
)
