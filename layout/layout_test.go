package layout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/appvault"
	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/docfs/memfs"
)

type fakeSource struct {
	fs      *memfs.FS
	calls   atomic.Int32
	mu      sync.Mutex
	err     error
	changed bool
}

func (s *fakeSource) StorageRoot(ctx context.Context) (docfs.Document, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.fs.Root(), nil
}

func (s *fakeSource) StorageChanged(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.changed
	s.changed = false
	return changed, nil
}

func (s *fakeSource) Authority(ctx context.Context) string { return "memory" }

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSource) raiseChanged() {
	s.mu.Lock()
	s.changed = true
	s.mu.Unlock()
}

type fakeTokens struct {
	token atomic.Uint64
}

func (f *fakeTokens) BackupToken(ctx context.Context) uint64 { return f.token.Load() }

func newTestManager(t *testing.T, token uint64) (*Manager, *fakeSource, *fakeTokens) {
	t.Helper()
	src := &fakeSource{fs: memfs.New("storage")}
	tokens := &fakeTokens{}
	tokens.token.Store(token)
	lister := docfs.NewLister(docfs.WithPollInterval(time.Millisecond), docfs.WithTimeout(time.Second))
	return New(src, tokens, WithLister(lister)), src, tokens
}

func TestManager_ResolvesCurrentSet(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	kv, err := m.KVBackupDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, KVDirName, kv.Name())

	full, err := m.FullBackupDirectory(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, FullDirName, full.Name())

	set, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "42", set.Name())

	for _, p := range []string{".AppVaultBackup/.nomedia", ".AppVaultBackup/42/kv", ".AppVaultBackup/42/full"} {
		_, err := src.fs.Lookup(p)
		require.NoError(t, err, p)
	}

	again, err := m.KVBackupDirectory(ctx, 0)
	require.NoError(t, err)
	require.Same(t, kv, again)
	require.EqualValues(t, 1, src.calls.Load())
	require.EqualValues(t, 42, m.CurrentToken(ctx))
	require.Equal(t, "memory", m.Authority(ctx))
}

func TestManager_Reset(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	old, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)

	m.Reset(1_700_000_000_000)
	set, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "1700000000000", set.Name())
	require.NotSame(t, old, set)
	require.EqualValues(t, 2, src.calls.Load())
	require.EqualValues(t, 1_700_000_000_000, m.CurrentToken(ctx))

	// The previous set stays on the storage and is reachable by token.
	prev, err := m.SetDirectory(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "42", prev.Name())
}

func TestManager_IsInitialized(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	require.True(t, m.IsInitialized(ctx))

	kv, err := m.KVBackupDirectory(ctx, 0)
	require.NoError(t, err)
	pkg, err := kv.CreateDirectory(ctx, "org.example.app")
	require.NoError(t, err)
	require.False(t, m.IsInitialized(ctx))

	require.NoError(t, pkg.Delete(ctx))
	require.True(t, m.IsInitialized(ctx))

	src.raiseChanged()
	require.False(t, m.IsInitialized(ctx))
	require.True(t, m.IsInitialized(ctx))
	require.EqualValues(t, 2, src.calls.Load(), "storage change drops cached handles")
}

func TestManager_IsInitializedWithoutStorage(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	src.setErr(appvault.NotFoundError("storage location", nil))
	require.False(t, m.IsInitialized(context.Background()))
}

func TestManager_FailuresAreNotCached(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	src.setErr(appvault.IOError("usb drive unplugged", nil))
	_, err := m.KVBackupDirectory(ctx, 0)
	require.ErrorIs(t, err, appvault.ErrNotFound)
	require.Equal(t, appvault.KindNotFound, appvault.KindOf(err))

	_, err = m.GetOrCreateKVBackupDirectory(ctx, 0)
	require.Equal(t, appvault.KindIO, appvault.KindOf(err))

	src.setErr(nil)
	kv, err := m.KVBackupDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, KVDirName, kv.Name())
}

func TestManager_CreateFailure(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()
	boom := errors.New("quota exceeded")
	src.fs.FailOn(memfs.OpCreateDirectory, "42", boom)

	_, err := m.FullBackupDirectory(ctx, 0)
	require.ErrorIs(t, err, boom)
	require.Equal(t, appvault.KindNotFound, appvault.KindOf(err))

	_, err = m.GetOrCreateKVBackupDirectory(ctx, 0)
	require.ErrorIs(t, err, boom)
	require.Equal(t, appvault.KindIO, appvault.KindOf(err))

	// The set directory itself was created and is reused.
	set, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "42", set.Name())

	src.fs.ClearFaults()
	_, err = m.GetOrCreateKVBackupDirectory(ctx, 0)
	require.NoError(t, err)
}

func TestManager_NoToken(t *testing.T) {
	m, _, tokens := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.SetDirectory(ctx, 0)
	require.ErrorIs(t, err, appvault.ErrNotFound)
	_, err = m.OpenMetadataSink(ctx)
	require.ErrorIs(t, err, appvault.ErrIO)

	tokens.token.Store(5)
	set, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "5", set.Name())
}

func TestManager_OtherSets(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	base, err := docfs.CreateOrGetDirectory(ctx, src.fs.Root(), RootDirName)
	require.NoError(t, err)
	set7, err := base.CreateDirectory(ctx, "7")
	require.NoError(t, err)
	_, err = set7.CreateDirectory(ctx, KVDirName)
	require.NoError(t, err)

	kv, err := m.KVBackupDirectory(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, KVDirName, kv.Name())

	_, err = m.FullBackupDirectory(ctx, 7)
	require.ErrorIs(t, err, appvault.ErrNotFound)

	_, err = m.SetDirectory(ctx, 8)
	require.ErrorIs(t, err, appvault.ErrNotFound)
	_, err = src.fs.Lookup(".AppVaultBackup/8")
	require.ErrorIs(t, err, docfs.ErrNotExist, "other sets are never created")

	_, err = m.GetOrCreateKVBackupDirectory(ctx, 8)
	require.Equal(t, appvault.KindIO, appvault.KindOf(err))

	require.NoError(t, kv.Delete(ctx))
	created, err := m.GetOrCreateKVBackupDirectory(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, KVDirName, created.Name())
}

func TestManager_Metadata(t *testing.T) {
	m, _, _ := newTestManager(t, 42)
	ctx := context.Background()

	w, err := m.OpenMetadataSink(ctx)
	require.NoError(t, err)
	_, err = io.WriteString(w, "encrypted ledger")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := m.OpenMetadata(ctx, 0)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "encrypted ledger", string(data))

	_, err = m.OpenMetadata(ctx, 99)
	require.ErrorIs(t, err, appvault.ErrNotFound)
}

func TestManager_BackupSets(t *testing.T) {
	m, src, _ := newTestManager(t, 42)
	ctx := context.Background()

	_, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	base, err := src.fs.Lookup(RootDirName)
	require.NoError(t, err)
	for _, name := range []string{"10", "3", "notes", "0"} {
		_, err := base.CreateDirectory(ctx, name)
		require.NoError(t, err)
	}
	_, err = base.CreateFile(ctx, "5", docfs.MimeTypeBinary)
	require.NoError(t, err)

	// The provider is still loading when first asked.
	require.NoError(t, src.fs.SetLoading(RootDirName))
	changes, err := src.fs.Changes(RootDirName)
	require.NoError(t, err)
	go func() {
		for changes.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = src.fs.FinishLoading(RootDirName)
	}()

	sets, err := m.BackupSets(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 10, 42}, sets)
}

func TestManager_ConcurrentReset(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Reset(uint64(i + 1))
		}()
		go func() {
			defer wg.Done()
			dir, err := m.KVBackupDirectory(ctx, 0)
			if err == nil {
				assert.Equal(t, KVDirName, dir.Name())
			}
		}()
	}
	wg.Wait()

	m.Reset(100)
	set, err := m.SetDirectory(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprint(100), set.Name())
}
