// Package docfs abstracts the document tree of a storage location. Documents
// are handles: they are obtained from a parent and may be slow to resolve,
// and a directory listing may be returned before the provider has finished
// loading it.
package docfs

import (
	"context"
	"errors"
	"io"
	"sync"
)

// MimeTypeBinary is the MIME type of backup payload files.
const MimeTypeBinary = "application/octet-stream"

var (
	ErrNotExist     = errors.New("docfs: document does not exist")
	ErrExist        = errors.New("docfs: document already exists")
	ErrIsDirectory  = errors.New("docfs: is a directory")
	ErrNotDirectory = errors.New("docfs: not a directory")
)

// Document is a handle to a file or directory in a document tree.
type Document interface {
	// Name is the display name of the document.
	Name() string
	IsDir() bool

	// FindChild returns the direct child with the given name, or ErrNotExist.
	FindChild(ctx context.Context, name string) (Document, error)
	// CreateFile creates an empty file, failing with ErrExist if the name is taken.
	CreateFile(ctx context.Context, name, mimeType string) (Document, error)
	// CreateDirectory creates a directory, failing with ErrExist if the name is taken.
	CreateDirectory(ctx context.Context, name string) (Document, error)
	// Delete removes the document, and everything below it for a directory.
	Delete(ctx context.Context) error

	// ListChildren queries the direct children. The result may be incomplete
	// while Loading is set.
	ListChildren(ctx context.Context) (*Listing, error)

	OpenRead(ctx context.Context) (io.ReadCloser, error)
	// OpenWrite replaces the file. Data is visible to readers once Close
	// returns; writers also implement Aborter to discard it instead.
	OpenWrite(ctx context.Context) (io.WriteCloser, error)
}

// Listing is the result of a children query.
type Listing struct {
	Entries []Document
	// Loading is set when the provider is still fetching children.
	Loading bool
	// Changes notifies once the children changed. Set whenever Loading is.
	Changes ChangeNotifier
}

// ChangeNotifier registers one-shot change callbacks.
type ChangeNotifier interface {
	// SubscribeOnce calls fn at most once, on the next change. The returned
	// function removes the subscription.
	SubscribeOnce(fn func()) (cancel func())
}

// ChangeSignal is a ChangeNotifier that providers fire when children change.
type ChangeSignal struct {
	mu         sync.Mutex
	next       int
	subs       map[int]func()
	subscribed int
}

// SubscribeOnce implements ChangeNotifier.
func (s *ChangeSignal) SubscribeOnce(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int]func())
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	s.subscribed++

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Fire calls and removes every pending subscription.
func (s *ChangeSignal) Fire() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// Pending returns the number of subscriptions not yet fired or cancelled.
func (s *ChangeSignal) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscribed returns the number of subscriptions ever made.
func (s *ChangeSignal) Subscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

var _ ChangeNotifier = (*ChangeSignal)(nil)
