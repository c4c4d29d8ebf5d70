// Package memfs is an in-memory document tree. It can simulate a provider
// that answers listings before it has loaded them, and inject failures.
package memfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/wolfeidau/appvault/docfs"
)

// Op names a document operation for failure injection.
type Op string

const (
	OpFind            Op = "find"
	OpCreateFile      Op = "create_file"
	OpCreateDirectory Op = "create_directory"
	OpDelete          Op = "delete"
	OpList            Op = "list"
	OpRead            Op = "read"
	OpWrite           Op = "write"
)

// FS is an in-memory document tree.
type FS struct {
	mu     sync.Mutex
	root   *node
	faults map[fault]error
}

type fault struct {
	op   Op
	name string
}

type node struct {
	fs       *FS
	id       string
	name     string
	mimeType string
	dir      bool
	parent   *node
	children *btree.Map[string, *node]
	data     []byte
	deleted  bool

	loading bool
	lists   int
	changes *docfs.ChangeSignal
}

// New creates an empty tree whose root directory has the given name.
func New(rootName string) *FS {
	f := &FS{faults: make(map[fault]error)}
	f.root = f.newNode(rootName, true, "")
	return f
}

func (f *FS) newNode(name string, dir bool, mimeType string) *node {
	n := &node{
		fs:       f,
		id:       uuid.NewString(),
		name:     name,
		mimeType: mimeType,
		dir:      dir,
		changes:  &docfs.ChangeSignal{},
	}
	if dir {
		n.children = btree.NewMap[string, *node](0)
	}
	return n
}

// Root returns the root directory.
func (f *FS) Root() docfs.Document {
	return f.root
}

// FailOn makes op fail with err when it targets a document named name. An
// empty name matches every document. A nil err removes the fault.
func (f *FS) FailOn(op Op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, fault{op, name})
		return
	}
	f.faults[fault{op, name}] = err
}

// ClearFaults removes every injected failure.
func (f *FS) ClearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.faults)
}

// SetLoading marks the directory at p as loading. Its listings report no
// entries until FinishLoading is called.
func (f *FS) SetLoading(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return err
	}
	n.loading = true
	return nil
}

// FinishLoading clears the loading state of the directory at p and notifies
// subscribers.
func (f *FS) FinishLoading(p string) error {
	f.mu.Lock()
	n, err := f.lookupLocked(p)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	n.loading = false
	changes := n.changes
	f.mu.Unlock()

	changes.Fire()
	return nil
}

// Changes returns the change signal of the directory at p.
func (f *FS) Changes(p string) (*docfs.ChangeSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	return n.changes, nil
}

// ListCalls returns how often the children of the document at p were queried.
func (f *FS) ListCalls(p string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return 0, err
	}
	return n.lists, nil
}

// Lookup returns the document at the slash separated path p below the root.
func (f *FS) Lookup(p string) (docfs.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (f *FS) lookupLocked(p string) (*node, error) {
	n := f.root
	for _, part := range strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/") {
		if part == "" {
			continue
		}
		if !n.dir {
			return nil, fmt.Errorf("%s: %w", p, docfs.ErrNotDirectory)
		}
		child, ok := n.children.Get(part)
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, docfs.ErrNotExist)
		}
		n = child
	}
	return n, nil
}

func (f *FS) faultLocked(op Op, name string) error {
	if err, ok := f.faults[fault{op, name}]; ok {
		return err
	}
	if err, ok := f.faults[fault{op, ""}]; ok {
		return err
	}
	return nil
}

// checkLocked returns the injected failure or the liveness error of n.
func (n *node) checkLocked(op Op) error {
	if err := n.fs.faultLocked(op, n.name); err != nil {
		return fmt.Errorf("%s %s: %w", op, n.name, err)
	}
	if n.deleted {
		return fmt.Errorf("%s %s: %w", op, n.name, docfs.ErrNotExist)
	}
	return nil
}

func (n *node) Name() string { return n.name }
func (n *node) IsDir() bool  { return n.dir }

// ID returns the stable document identifier.
func (n *node) ID() string { return n.id }

func (n *node) FindChild(ctx context.Context, name string) (docfs.Document, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if err := n.checkLocked(OpFind); err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, docfs.ErrNotDirectory
	}
	child, ok := n.children.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", n.name, name, docfs.ErrNotExist)
	}
	return child, nil
}

func (n *node) CreateFile(ctx context.Context, name, mimeType string) (docfs.Document, error) {
	return n.create(OpCreateFile, name, false, mimeType)
}

func (n *node) CreateDirectory(ctx context.Context, name string) (docfs.Document, error) {
	return n.create(OpCreateDirectory, name, true, "")
}

func (n *node) create(op Op, name string, dir bool, mimeType string) (docfs.Document, error) {
	n.fs.mu.Lock()
	if err := n.checkLocked(op); err != nil {
		n.fs.mu.Unlock()
		return nil, err
	}
	if !n.dir {
		n.fs.mu.Unlock()
		return nil, docfs.ErrNotDirectory
	}
	if name == "" || strings.Contains(name, "/") {
		n.fs.mu.Unlock()
		return nil, fmt.Errorf("invalid document name %q", name)
	}
	if _, ok := n.children.Get(name); ok {
		n.fs.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", n.name, name, docfs.ErrExist)
	}
	child := n.fs.newNode(name, dir, mimeType)
	child.parent = n
	n.children.Set(name, child)
	changes := n.changes
	n.fs.mu.Unlock()

	changes.Fire()
	return child, nil
}

func (n *node) Delete(ctx context.Context) error {
	n.fs.mu.Lock()
	if err := n.checkLocked(OpDelete); err != nil {
		n.fs.mu.Unlock()
		return err
	}
	if n.parent == nil {
		n.fs.mu.Unlock()
		return fmt.Errorf("cannot delete root %s", n.name)
	}
	n.parent.children.Delete(n.name)
	n.markDeletedLocked()
	changes := n.parent.changes
	n.fs.mu.Unlock()

	changes.Fire()
	return nil
}

func (n *node) markDeletedLocked() {
	n.deleted = true
	if n.dir {
		n.children.Scan(func(_ string, child *node) bool {
			child.markDeletedLocked()
			return true
		})
	}
}

func (n *node) ListChildren(ctx context.Context) (*docfs.Listing, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	n.lists++
	if err := n.checkLocked(OpList); err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, docfs.ErrNotDirectory
	}

	listing := &docfs.Listing{Loading: n.loading, Changes: n.changes}
	if n.loading {
		return listing, nil
	}
	n.children.Scan(func(_ string, child *node) bool {
		listing.Entries = append(listing.Entries, child)
		return true
	})
	return listing, nil
}

func (n *node) OpenRead(ctx context.Context) (io.ReadCloser, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if err := n.checkLocked(OpRead); err != nil {
		return nil, err
	}
	if n.dir {
		return nil, docfs.ErrIsDirectory
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data))), nil
}

func (n *node) OpenWrite(ctx context.Context) (io.WriteCloser, error) {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	if err := n.checkLocked(OpWrite); err != nil {
		return nil, err
	}
	if n.dir {
		return nil, docfs.ErrIsDirectory
	}
	return &writer{n: n}, nil
}

// writer buffers data and replaces the file contents on Close.
type writer struct {
	n      *node
	buf    bytes.Buffer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write %s: closed", w.n.name)
	}
	return w.buf.Write(p)
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.n.fs.mu.Lock()
	defer w.n.fs.mu.Unlock()
	if err := w.n.checkLocked(OpWrite); err != nil {
		return err
	}
	w.n.data = bytes.Clone(w.buf.Bytes())
	return nil
}

// Abort discards the buffered data and leaves the file untouched.
func (w *writer) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}

var (
	_ docfs.Document = (*node)(nil)
	_ docfs.Aborter  = (*writer)(nil)
)
