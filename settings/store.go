// Package settings persists the chosen storage location and whether it
// changed since the storage layout last looked at it.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSettings = []byte("settings")

	keyStorage         = []byte("storage")
	keyStorageChanging = []byte("storage_changing")
)

// ErrNotFound is returned when no storage location was chosen yet.
var ErrNotFound = errors.New("settings: not found")

// Storage describes a chosen backup location.
type Storage struct {
	// Name is shown to the user, e.g. the label of a USB drive.
	Name string `json:"name"`
	// URI locates the root of the storage, see the location package.
	URI string `json:"uri"`
	// Removable is set for storage that may be unplugged.
	Removable bool `json:"removable"`
}

// Store is a bbolt backed settings store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Open opens the settings database at path, creating it if needed.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketSettings, err)
	}

	s.db = db
	s.logger.Debug("opened settings", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Storage returns the chosen storage location.
func (s *Store) Storage(ctx context.Context) (*Storage, error) {
	var st *Storage
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(keyStorage)
		if data == nil {
			return ErrNotFound
		}
		st = &Storage{}
		if err := json.Unmarshal(data, st); err != nil {
			return fmt.Errorf("decoding storage: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SetStorage stores st and flags the storage as changing.
func (s *Store) SetStorage(ctx context.Context, st Storage) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding storage: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if err := b.Put(keyStorage, data); err != nil {
			return err
		}
		return b.Put(keyStorageChanging, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("storing storage: %w", err)
	}
	s.logger.Info("storage location changed", "name", st.Name, "uri", st.URI, "removable", st.Removable)
	return nil
}

// ConsumeStorageChanging reports whether the storage changed since the last
// call, and clears the flag.
func (s *Store) ConsumeStorageChanging(ctx context.Context) (bool, error) {
	var changing bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get(keyStorageChanging)
		changing = len(v) == 1 && v[0] == 1
		if v == nil {
			return nil
		}
		return b.Delete(keyStorageChanging)
	})
	if err != nil {
		return false, fmt.Errorf("consuming storage changing flag: %w", err)
	}
	return changing, nil
}
