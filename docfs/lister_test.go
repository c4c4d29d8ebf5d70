package docfs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/appvault/docfs"
	"github.com/wolfeidau/appvault/docfs/memfs"
)

func newLoadingTree(t *testing.T) (*memfs.FS, docfs.Document) {
	t.Helper()
	ctx := context.Background()
	fs := memfs.New("root")
	dir, err := fs.Root().CreateDirectory(ctx, "sets")
	require.NoError(t, err)
	for _, name := range []string{"1", "2", "3"} {
		_, err := dir.CreateDirectory(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, fs.SetLoading("sets"))
	return fs, dir
}

func names(docs []docfs.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Name())
	}
	return out
}

func TestLister_NotLoading(t *testing.T) {
	fs := memfs.New("root")
	ctx := context.Background()
	_, err := fs.Root().CreateFile(ctx, "b", docfs.MimeTypeBinary)
	require.NoError(t, err)
	_, err = fs.Root().CreateDirectory(ctx, "a")
	require.NoError(t, err)

	children, err := docfs.NewLister().List(ctx, fs.Root())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names(children))

	calls, err := fs.ListCalls("")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	changes, err := fs.Changes("")
	require.NoError(t, err)
	require.Zero(t, changes.Subscribed())
}

func TestLister_WaitsForLoad(t *testing.T) {
	fs, dir := newLoadingTree(t)
	changes, err := fs.Changes("sets")
	require.NoError(t, err)

	go func() {
		for changes.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = fs.FinishLoading("sets")
	}()

	start := time.Now()
	children, err := docfs.NewLister().List(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, names(children))
	require.Less(t, time.Since(start), docfs.DefaultLoadTimeout)

	require.Equal(t, 1, changes.Subscribed())
	require.Zero(t, changes.Pending())
	calls, err := fs.ListCalls("sets")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestLister_TimeoutReturnsSecondQuery(t *testing.T) {
	fs, dir := newLoadingTree(t)

	lister := docfs.NewLister(
		docfs.WithPollInterval(time.Millisecond),
		docfs.WithTimeout(20*time.Millisecond),
	)
	children, err := lister.List(context.Background(), dir)
	require.NoError(t, err)
	require.Empty(t, children)

	changes, err := fs.Changes("sets")
	require.NoError(t, err)
	require.Equal(t, 1, changes.Subscribed())
	require.Zero(t, changes.Pending())

	calls, err := fs.ListCalls("sets")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestLister_TimeoutWithTestClock(t *testing.T) {
	_, dir := newLoadingTree(t)
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	lister := docfs.NewLister(
		docfs.WithClock(clk),
		docfs.WithPollInterval(50*time.Millisecond),
		docfs.WithTimeout(200*time.Millisecond),
	)

	done := make(chan error, 1)
	go func() {
		_, err := lister.List(context.Background(), dir)
		done <- err
	}()

	// Each poll step waits for exactly one timer.
	for range 4 {
		require.NoError(t, clk.WaitAdvance(50*time.Millisecond, time.Second, 1))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lister did not give up after the timeout")
	}
}

func TestLister_ContextCanceled(t *testing.T) {
	fs, dir := newLoadingTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := docfs.NewLister().List(ctx, dir)
	require.ErrorIs(t, err, context.Canceled)

	changes, err := fs.Changes("sets")
	require.NoError(t, err)
	require.Zero(t, changes.Pending())
}

func TestLister_ListError(t *testing.T) {
	fs := memfs.New("root")
	boom := errors.New("provider crashed")
	fs.FailOn(memfs.OpList, "root", boom)

	_, err := docfs.NewLister().List(context.Background(), fs.Root())
	require.ErrorIs(t, err, boom)
}

func TestLister_Find(t *testing.T) {
	fs, dir := newLoadingTree(t)
	require.NoError(t, fs.FinishLoading("sets"))
	ctx := context.Background()
	lister := docfs.NewLister()

	found := lister.Find(ctx, dir, "2")
	require.NotNil(t, found)
	require.Equal(t, "2", found.Name())

	require.Nil(t, lister.Find(ctx, dir, "4"))

	fs.FailOn(memfs.OpList, "sets", errors.New("offline"))
	require.Nil(t, docfs.FindFileBlocking(ctx, dir, "2"))
}
