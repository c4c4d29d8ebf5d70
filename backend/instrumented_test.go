package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "metadata.cache", strings.NewReader("hello world")))
}

func TestInstrumentedBackend_Read_CountsBytes(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "metadata.cache", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "metadata.cache")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	// Close records the read metric.
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")

	_, err = ib.Read(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDelete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "metadata.cache")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "metadata.cache", strings.NewReader("data")))
	exists, err = ib.Exists(ctx, "metadata.cache")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "metadata.cache"))
	exists, err = ib.Exists(ctx, "metadata.cache")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_Writer(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	w, err := ib.Writer(ctx, "streamed")
	require.NoError(t, err)
	_, err = io.WriteString(w, "streamed content")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
