// Package metadata keeps the per-package backup ledger of a device and
// persists every change to the backup location and a local cache file.
package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/backend"
	"github.com/wolfeidau/appvault/telemetry"
)

// CacheKey is the name of the local cache file holding the encoded ledger.
const CacheKey = "metadata.cache"

// Codec encodes the ledger into the bytes written to sinks and the cache.
type Codec interface {
	Encode(m *BackupMetadata) ([]byte, error)
	Decode(data []byte) (*BackupMetadata, error)
}

// Manager owns the ledger. Mutations are serialized and either persist to
// both the caller's sink and the cache or leave the ledger untouched.
type Manager struct {
	cache  backend.Backend
	codec  Codec
	logger *slog.Logger
	clock  clock.Clock
	signal *timeSignal

	mu     sync.RWMutex
	ledger *BackupMetadata // nil until hydrated
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the clock used to timestamp backups.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a manager backed by the given cache and codec. The cache
// is not read until the ledger is first needed.
func NewManager(cache backend.Backend, codec Codec, opts ...Option) *Manager {
	m := &Manager{
		cache:  cache,
		codec:  codec,
		logger: slog.Default(),
		clock:  clock.WallClock,
		signal: newTimeSignal(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializeDevice replaces the ledger with an empty one for token.
func (m *Manager) InitializeDevice(ctx context.Context, token uint64, sink io.Writer) error {
	if token == 0 {
		return appvault.ContractViolation("token 0 is reserved for an uninitialized ledger")
	}
	return m.modify(ctx, "initialize_device", sink, func(l *BackupMetadata) error {
		*l = *NewBackupMetadata(token)
		return nil
	})
}

// RecordAPKBackedUp merges the result of an APK backup into the entry of pkg.
// A known package must be backed up with a strictly greater version.
func (m *Manager) RecordAPKBackedUp(ctx context.Context, pkg PackageInfo, delta PackageMetadata, sink io.Writer) error {
	if err := checkPackageName(pkg); err != nil {
		return err
	}
	return m.modify(ctx, "apk_backed_up", sink, func(l *BackupMetadata) error {
		old, exists := l.Packages[pkg.Name]
		if exists {
			if delta.Version == nil {
				return appvault.ContractViolation("APK backup of %s returned no version", pkg.Name)
			}
			if old.Version != nil && *old.Version >= *delta.Version {
				return appvault.ContractViolation("APK backup of %s backed up the same or a smaller version: was %d is %d",
					pkg.Name, *old.Version, *delta.Version)
			}
		}

		// The state only ever moves into NOT_ALLOWED from here.
		state := old.State
		if delta.State == StateNotAllowed {
			state = StateNotAllowed
		}

		delta = delta.Clone()
		old.State = state
		old.System = pkg.IsSystem()
		old.Version = delta.Version
		old.Installer = delta.Installer
		old.SHA256 = delta.SHA256
		old.Signatures = delta.Signatures
		l.Packages[pkg.Name] = old
		return nil
	})
}

// RecordPackageBackedUp marks pkg as fully backed up now.
func (m *Manager) RecordPackageBackedUp(ctx context.Context, pkg PackageInfo, sink io.Writer) error {
	if err := checkPackageName(pkg); err != nil {
		return err
	}
	return m.modify(ctx, "package_backed_up", sink, func(l *BackupMetadata) error {
		now := toMillis(m.clock.Now())
		l.Time = now

		p, exists := l.Packages[pkg.Name]
		if !exists {
			p.System = pkg.IsSystem()
		}
		p.Time = now
		p.State = StateAPKAndData
		l.Packages[pkg.Name] = p
		return nil
	})
}

// RecordPackageBackupError records why the backup of pkg did not complete.
func (m *Manager) RecordPackageBackupError(ctx context.Context, pkg PackageInfo, state PackageState, sink io.Writer) error {
	if err := checkPackageName(pkg); err != nil {
		return err
	}
	if state == StateAPKAndData {
		return appvault.ContractViolation("backup error of %s reported as %s", pkg.Name, state)
	}
	if !state.Valid() {
		return appvault.ContractViolation("backup error of %s reported with unknown state %d", pkg.Name, uint8(state))
	}
	return m.modify(ctx, "package_backup_error", sink, func(l *BackupMetadata) error {
		p, exists := l.Packages[pkg.Name]
		if !exists {
			p.System = pkg.IsSystem()
		}
		p.State = state
		l.Packages[pkg.Name] = p
		return nil
	})
}

// checkPackageName rejects entries the cache could not decode again.
func checkPackageName(pkg PackageInfo) error {
	if pkg.Name == "" {
		return appvault.ContractViolation("package without name")
	}
	return nil
}

// BackupToken returns the token of the current backup set, 0 if the device
// was never initialized.
func (m *Manager) BackupToken(ctx context.Context) uint64 {
	var token uint64
	m.read(ctx, func(l *BackupMetadata) {
		token = l.Token
	})
	return token
}

// LastBackupTime returns the time of the last successful package backup.
func (m *Manager) LastBackupTime(ctx context.Context) time.Time {
	var t time.Time
	m.read(ctx, func(l *BackupMetadata) {
		t = l.Time
	})
	return t
}

// PackageMetadata returns a copy of the entry of the named package.
func (m *Manager) PackageMetadata(ctx context.Context, name string) (PackageMetadata, bool) {
	var (
		p  PackageMetadata
		ok bool
	)
	m.read(ctx, func(l *BackupMetadata) {
		p, ok = l.Packages[name]
		p = p.Clone()
	})
	return p, ok
}

// PackageNames returns the names of all packages in the ledger, sorted.
func (m *Manager) PackageNames(ctx context.Context) []string {
	var names []string
	m.read(ctx, func(l *BackupMetadata) {
		names = l.PackageNames()
	})
	return names
}

// CountPackagesNotBackedUp counts the non-system packages whose last backup
// did not succeed.
func (m *Manager) CountPackagesNotBackedUp(ctx context.Context) int {
	var n int
	m.read(ctx, func(l *BackupMetadata) {
		n = countNotBackedUp(l)
	})
	return n
}

// WatchLastBackupTime returns a channel that receives the last backup time
// whenever a commit changes it. Call the returned function to stop watching.
func (m *Manager) WatchLastBackupTime() (<-chan time.Time, func()) {
	return m.signal.watch()
}

func countNotBackedUp(l *BackupMetadata) int {
	var n int
	for _, p := range l.Packages {
		if !p.System && p.State != StateAPKAndData {
			n++
		}
	}
	return n
}

// read runs fn with the hydrated ledger under the read lock.
func (m *Manager) read(ctx context.Context, fn func(l *BackupMetadata)) {
	m.mu.RLock()
	if m.ledger == nil {
		m.mu.RUnlock()
		m.hydrate(ctx)
		m.mu.RLock()
	}
	defer m.mu.RUnlock()
	fn(m.ledger)
}

// modify applies fn to the ledger and commits the result. If fn fails or the
// result cannot be persisted the ledger is restored.
func (m *Manager) modify(ctx context.Context, op string, sink io.Writer, fn func(l *BackupMetadata) error) error {
	if sink == nil {
		return appvault.ContractViolation("%s: nil metadata sink", op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hydrateLocked(ctx)

	start := time.Now()
	snapshot := m.ledger.Clone()

	if err := fn(m.ledger); err != nil {
		m.ledger = snapshot
		telemetry.RecordLedgerCommit(ctx, op, "rejected", time.Since(start))
		return err
	}

	if err := m.persistLocked(ctx, sink); err != nil {
		m.ledger = snapshot
		telemetry.RecordLedgerCommit(ctx, op, "io_error", time.Since(start))
		telemetry.RecordLedgerRollback(ctx, op)
		m.logger.Error("metadata commit failed, ledger restored", "op", op, "error", err)
		return err
	}

	telemetry.RecordLedgerCommit(ctx, op, "success", time.Since(start))
	telemetry.SetPackagesNotBackedUp(ctx, countNotBackedUp(m.ledger))
	m.signal.publish(m.ledger.Time)
	m.logger.Debug("metadata committed", "op", op, "token", m.ledger.Token, "packages", len(m.ledger.Packages))
	return nil
}

// persistLocked writes the encoded ledger to sink and then to the cache.
func (m *Manager) persistLocked(ctx context.Context, sink io.Writer) error {
	data, err := m.codec.Encode(m.ledger)
	if err != nil {
		return appvault.IOError("encoding metadata", err)
	}
	if _, err := sink.Write(data); err != nil {
		return appvault.IOError("writing metadata sink", err)
	}
	if err := m.cache.Write(ctx, CacheKey, bytes.NewReader(data)); err != nil {
		return appvault.IOError("writing metadata cache", err)
	}
	return nil
}

func (m *Manager) hydrate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hydrateLocked(ctx)
}

// hydrateLocked loads the ledger from the cache once. A missing cache yields
// an uninitialized ledger; anything else unreadable panics.
func (m *Manager) hydrateLocked(ctx context.Context) {
	if m.ledger != nil {
		return
	}

	ledger, err := m.loadCache(ctx)
	if err != nil {
		m.logger.Error("cached metadata unreadable", "key", CacheKey, "error", err)
		panic(appvault.Unrecoverable("reading metadata cache", err))
	}
	m.ledger = ledger
	m.signal.publish(ledger.Time)
}

func (m *Manager) loadCache(ctx context.Context) (*BackupMetadata, error) {
	rc, err := m.cache.Read(ctx, CacheKey)
	if errors.Is(err, backend.ErrNotFound) {
		m.logger.Debug("cached metadata not found, starting uninitialized")
		return NewBackupMetadata(0), nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	ledger, err := m.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding cache: %w", err)
	}
	if ledger.Packages == nil {
		ledger.Packages = make(map[string]PackageMetadata)
	}
	return ledger, nil
}
