// Package layout maps backup sets onto a document tree:
//
//	<storage root>/.AppVaultBackup/.nomedia
//	<storage root>/.AppVaultBackup/<token>/.backup.metadata
//	<storage root>/.AppVaultBackup/<token>/full/
//	<storage root>/.AppVaultBackup/<token>/kv/
//
// Directories of the current backup set are resolved lazily, created on
// demand and cached until Reset or a storage change.
package layout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/telemetry"
)

const (
	RootDirName     = ".AppVaultBackup"
	FullDirName     = "full"
	KVDirName       = "kv"
	MetadataName    = ".backup.metadata"
	NoMediaFileName = ".nomedia"
)

// Source provides the root of the chosen storage location.
type Source interface {
	// StorageRoot resolves the root document of the storage location.
	StorageRoot(ctx context.Context) (docfs.Document, error)
	// StorageChanged reports whether the storage location changed since the
	// last call, and clears that state.
	StorageChanged(ctx context.Context) (bool, error)
	// Authority names the storage provider, "" if unknown.
	Authority(ctx context.Context) string
}

// TokenSource provides the token of the current backup set.
type TokenSource interface {
	BackupToken(ctx context.Context) uint64
}

// Manager resolves the directories of backup sets.
type Manager struct {
	source Source
	tokens TokenSource
	lister *docfs.Lister
	logger *slog.Logger

	mu    sync.Mutex
	token uint64 // 0 until read from tokens or set by Reset
	root  cell[docfs.Document]
	base  cell[docfs.Document]
	set   cell[docfs.Document]
	full  cell[docfs.Document]
	kv    cell[docfs.Document]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLister sets the lister used for blocking listings.
func WithLister(l *docfs.Lister) Option {
	return func(m *Manager) {
		m.lister = l
	}
}

// New creates a Manager. Nothing is resolved until first needed.
func New(source Source, tokens TokenSource, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		tokens: tokens,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lister == nil {
		m.lister = docfs.NewLister(docfs.WithListerLogger(m.logger))
	}
	return m
}

// Reset drops every cached directory and makes newToken the current token.
func (m *Manager) Reset(newToken uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = newToken
	m.invalidateLocked()
	m.logger.Debug("storage layout reset", "token", newToken)
}

func (m *Manager) invalidateLocked() {
	m.root.invalidate()
	m.base.invalidate()
	m.set.invalidate()
	m.full.invalidate()
	m.kv.invalidate()
}

// CurrentToken returns the token of the current backup set, 0 if none.
func (m *Manager) CurrentToken(ctx context.Context) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTokenLocked(ctx)
}

func (m *Manager) currentTokenLocked(ctx context.Context) uint64 {
	if m.token == 0 {
		m.token = m.tokens.BackupToken(ctx)
	}
	return m.token
}

// Authority names the provider of the storage location.
func (m *Manager) Authority(ctx context.Context) string {
	return m.source.Authority(ctx)
}

// IsInitialized reports whether the current set has empty full and kv
// directories. It returns false once after the storage location changed.
func (m *Manager) IsInitialized(ctx context.Context) bool {
	changed, err := m.source.StorageChanged(ctx)
	if err != nil {
		m.logger.Error("error reading storage changed state", "error", err)
		return false
	}

	m.mu.Lock()
	if changed {
		m.logger.Info("storage location changed")
		m.invalidateLocked()
		m.mu.Unlock()
		return false
	}
	kv, kvErr := m.kvLocked(ctx)
	full, fullErr := m.fullLocked(ctx)
	m.mu.Unlock()

	if err := errors.Join(kvErr, fullErr); err != nil {
		m.logger.Debug("backup set directories unavailable", "error", err)
		return false
	}
	return m.isEmpty(ctx, kv) && m.isEmpty(ctx, full)
}

func (m *Manager) isEmpty(ctx context.Context, dir docfs.Document) bool {
	children, err := m.lister.List(ctx, dir)
	if err != nil {
		m.logger.Error("error listing directory", "dir", dir.Name(), "error", err)
		return false
	}
	return len(children) == 0
}

// SetDirectory returns the directory of the backup set token, 0 meaning the
// current set. The current set directory is created if missing; other sets
// are only looked up.
func (m *Manager) SetDirectory(ctx context.Context, token uint64) (docfs.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isCurrentLocked(ctx, token) {
		dir, err := m.setLocked(ctx)
		if err != nil {
			return nil, appvault.NotFoundError("current backup set directory", err)
		}
		return dir, nil
	}
	return m.findSetLocked(ctx, token)
}

// KVBackupDirectory returns the key-value directory of the backup set token,
// 0 meaning the current set.
func (m *Manager) KVBackupDirectory(ctx context.Context, token uint64) (docfs.Document, error) {
	return m.subDirectory(ctx, token, KVDirName, m.kvLocked)
}

// FullBackupDirectory returns the full backup directory of the backup set
// token, 0 meaning the current set.
func (m *Manager) FullBackupDirectory(ctx context.Context, token uint64) (docfs.Document, error) {
	return m.subDirectory(ctx, token, FullDirName, m.fullLocked)
}

func (m *Manager) subDirectory(ctx context.Context, token uint64, name string, current func(context.Context) (docfs.Document, error)) (docfs.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isCurrentLocked(ctx, token) {
		dir, err := current(ctx)
		if err != nil {
			return nil, appvault.NotFoundError("current "+name+" directory", err)
		}
		return dir, nil
	}

	set, err := m.findSetLocked(ctx, token)
	if err != nil {
		return nil, err
	}
	return find(ctx, set, name)
}

// GetOrCreateKVBackupDirectory returns the key-value directory of the backup
// set token, creating it if needed. The set directory itself must exist.
func (m *Manager) GetOrCreateKVBackupDirectory(ctx context.Context, token uint64) (docfs.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isCurrentLocked(ctx, token) {
		dir, err := m.kvLocked(ctx)
		if err != nil {
			return nil, asIOError("current kv directory", err)
		}
		return dir, nil
	}

	set, err := m.findSetLocked(ctx, token)
	if err != nil {
		return nil, asIOError(fmt.Sprintf("backup set %d", token), err)
	}
	dir, err := docfs.CreateOrGetDirectory(ctx, set, KVDirName)
	if err != nil {
		return nil, appvault.IOError(fmt.Sprintf("creating kv directory of set %d", token), err)
	}
	return dir, nil
}

// OpenMetadataSink opens the metadata file of the current set for writing,
// creating it if needed.
func (m *Manager) OpenMetadataSink(ctx context.Context) (io.WriteCloser, error) {
	m.mu.Lock()
	set, err := m.setLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, asIOError("current backup set directory", err)
	}

	file, err := docfs.CreateOrGetFile(ctx, set, MetadataName, docfs.MimeTypeBinary)
	if err != nil {
		return nil, appvault.IOError("creating metadata file", err)
	}
	w, err := file.OpenWrite(ctx)
	if err != nil {
		return nil, appvault.IOError("opening metadata file", err)
	}
	return w, nil
}

// OpenMetadata opens the metadata file of the backup set token, 0 meaning the
// current set.
func (m *Manager) OpenMetadata(ctx context.Context, token uint64) (io.ReadCloser, error) {
	set, err := m.SetDirectory(ctx, token)
	if err != nil {
		return nil, err
	}
	file, err := find(ctx, set, MetadataName)
	if err != nil {
		return nil, err
	}
	r, err := file.OpenRead(ctx)
	if err != nil {
		return nil, appvault.IOError("opening metadata file", err)
	}
	return r, nil
}

// BackupSets lists the tokens of the backup sets on the storage, ascending.
func (m *Manager) BackupSets(ctx context.Context) ([]uint64, error) {
	m.mu.Lock()
	base, err := m.baseLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, asIOError("backup root directory", err)
	}

	children, err := m.lister.List(ctx, base)
	if err != nil {
		return nil, appvault.IOError("listing backup sets", err)
	}
	var tokens []uint64
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		token, err := strconv.ParseUint(child.Name(), 10, 64)
		if err != nil || token == 0 {
			continue
		}
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens, nil
}

func (m *Manager) isCurrentLocked(ctx context.Context, token uint64) bool {
	return token == 0 || token == m.currentTokenLocked(ctx)
}

func (m *Manager) rootLocked(ctx context.Context) (docfs.Document, error) {
	return m.root.get(func() (docfs.Document, error) {
		root, err := m.source.StorageRoot(ctx)
		m.recordResolution(ctx, "storage", err)
		return root, err
	})
}

// baseLocked resolves the backup root directory and its .nomedia marker.
func (m *Manager) baseLocked(ctx context.Context) (docfs.Document, error) {
	return m.base.get(func() (docfs.Document, error) {
		root, err := m.rootLocked(ctx)
		if err != nil {
			return nil, err
		}
		base, err := docfs.CreateOrGetDirectory(ctx, root, RootDirName)
		if err == nil {
			// Keeps media scanners from indexing backup files.
			_, err = docfs.CreateOrGetFile(ctx, base, NoMediaFileName, docfs.MimeTypeBinary)
		}
		m.recordResolution(ctx, "root", err)
		if err != nil {
			m.logger.Error("error creating root backup directory", "error", err)
			return nil, appvault.IOError("creating root backup directory", err)
		}
		return base, nil
	})
}

func (m *Manager) setLocked(ctx context.Context) (docfs.Document, error) {
	return m.set.get(func() (docfs.Document, error) {
		token := m.currentTokenLocked(ctx)
		if token == 0 {
			return nil, errors.New("no current backup token")
		}
		base, err := m.baseLocked(ctx)
		if err != nil {
			return nil, err
		}
		set, err := docfs.CreateOrGetDirectory(ctx, base, strconv.FormatUint(token, 10))
		m.recordResolution(ctx, "set", err)
		if err != nil {
			m.logger.Error("error creating current backup set directory", "token", token, "error", err)
			return nil, appvault.IOError("creating backup set directory", err)
		}
		return set, nil
	})
}

func (m *Manager) fullLocked(ctx context.Context) (docfs.Document, error) {
	return m.full.get(func() (docfs.Document, error) {
		return m.setChildLocked(ctx, FullDirName)
	})
}

func (m *Manager) kvLocked(ctx context.Context) (docfs.Document, error) {
	return m.kv.get(func() (docfs.Document, error) {
		return m.setChildLocked(ctx, KVDirName)
	})
}

func (m *Manager) setChildLocked(ctx context.Context, name string) (docfs.Document, error) {
	set, err := m.setLocked(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := docfs.CreateOrGetDirectory(ctx, set, name)
	m.recordResolution(ctx, name, err)
	if err != nil {
		m.logger.Error("error creating backup directory", "dir", name, "error", err)
		return nil, appvault.IOError("creating "+name+" directory", err)
	}
	return dir, nil
}

// findSetLocked looks up the directory of a set other than the current one.
func (m *Manager) findSetLocked(ctx context.Context, token uint64) (docfs.Document, error) {
	base, err := m.baseLocked(ctx)
	if err != nil {
		return nil, appvault.NotFoundError("backup root directory", err)
	}
	return find(ctx, base, strconv.FormatUint(token, 10))
}

func (m *Manager) recordResolution(ctx context.Context, level string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordLayoutResolution(ctx, level, outcome)
}

// find looks up a child without creating it.
func find(ctx context.Context, dir docfs.Document, name string) (docfs.Document, error) {
	doc, err := dir.FindChild(ctx, name)
	switch {
	case errors.Is(err, docfs.ErrNotExist):
		return nil, appvault.NotFoundError(fmt.Sprintf("%s in %s", name, dir.Name()), err)
	case err != nil:
		return nil, appvault.IOError(fmt.Sprintf("finding %s in %s", name, dir.Name()), err)
	}
	return doc, nil
}

// asIOError reports err as an I/O failure unless it already is one.
func asIOError(op string, err error) error {
	if appvault.KindOf(err) == appvault.KindIO {
		return fmt.Errorf("%s: %w", op, err)
	}
	return appvault.IOError(op, err)
}
