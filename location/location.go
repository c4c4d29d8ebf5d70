// Package location turns the stored storage choice into the root document of
// a document tree.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/docfs/localfs"
	"github.com/wolfeidau/appvault/docfs/memfs"
	"github.com/wolfeidau/appvault/docfs/s3fs"
	"github.com/wolfeidau/appvault/settings"
)

// ErrUnsupportedScheme is returned for URIs no provider handles.
var ErrUnsupportedScheme = errors.New("unsupported storage scheme")

// UnavailableError reports a storage location that could not be reached.
// It matches appvault.ErrIO.
type UnavailableError struct {
	Name string
	URI  string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage %q (%s) unavailable: %v", e.Name, e.URI, e.Err)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{appvault.ErrIO, e.Err}
}

// Resolver maps storage URIs to root documents:
//
//	file:///path          a local directory
//	s3://bucket/prefix    a bucket prefix on the configured endpoint
//	mem://name            a registered in-memory tree
type Resolver struct {
	s3Config s3fs.Config

	mu       sync.Mutex
	s3Client *minio.Client
	memory   map[string]*memfs.FS
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithS3Config sets the endpoint and credentials used for s3 URIs.
func WithS3Config(cfg s3fs.Config) Option {
	return func(r *Resolver) {
		r.s3Config = cfg
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{memory: make(map[string]*memfs.FS)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterMemory makes fs reachable as mem://name.
func (r *Resolver) RegisterMemory(name string, fs *memfs.FS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[name] = fs
}

// Resolve returns the root document of uri.
func (r *Resolver) Resolve(ctx context.Context, uri string) (docfs.Document, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing storage uri: %w", err)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("file uri %q has no path", uri)
		}
		root, err := localfs.Open(u.Path)
		if err != nil {
			return nil, err
		}
		return root, nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 uri %q has no bucket", uri)
		}
		client, err := r.s3()
		if err != nil {
			return nil, err
		}
		fs := s3fs.New(client, u.Host, strings.TrimPrefix(u.Path, "/"))
		if err := fs.Check(ctx); err != nil {
			return nil, err
		}
		return fs.Root(), nil
	case "mem":
		r.mu.Lock()
		fs, ok := r.memory[u.Host]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("memory storage %q: %w", u.Host, docfs.ErrNotExist)
		}
		return fs.Root(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (r *Resolver) s3() (*minio.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3Client == nil {
		client, err := s3fs.NewClient(r.s3Config)
		if err != nil {
			return nil, err
		}
		r.s3Client = client
	}
	return r.s3Client, nil
}

// Source combines the settings store and a resolver into the storage source
// used by the layout manager.
type Source struct {
	settings *settings.Store
	resolver *Resolver
	logger   *slog.Logger
}

// NewSource creates a Source.
func NewSource(store *settings.Store, resolver *Resolver, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{settings: store, resolver: resolver, logger: logger}
}

// StorageRoot resolves the root document of the chosen storage.
func (s *Source) StorageRoot(ctx context.Context) (docfs.Document, error) {
	st, err := s.settings.Storage(ctx)
	if errors.Is(err, settings.ErrNotFound) {
		return nil, appvault.NotFoundError("storage location", err)
	}
	if err != nil {
		return nil, appvault.IOError("reading storage location", err)
	}

	root, err := s.resolver.Resolve(ctx, st.URI)
	if err != nil {
		s.logger.Warn("storage unavailable", "name", st.Name, "uri", st.URI, "error", err)
		return nil, &UnavailableError{Name: st.Name, URI: st.URI, Err: err}
	}
	return root, nil
}

// StorageChanged reports and clears the storage changing flag.
func (s *Source) StorageChanged(ctx context.Context) (bool, error) {
	return s.settings.ConsumeStorageChanging(ctx)
}

// Authority returns the host part of the storage URI, the scheme for URIs
// without host, or "" when no storage is set.
func (s *Source) Authority(ctx context.Context) string {
	st, err := s.settings.Storage(ctx)
	if err != nil {
		return ""
	}
	u, err := url.Parse(st.URI)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	return u.Scheme
}
