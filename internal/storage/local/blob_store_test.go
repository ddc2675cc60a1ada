package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "raw")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.True(t, parcel.IsCode(err, parcel.CodeConfigMissing))
	})

	t.Run("BaseDirIsFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObjectRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	path := "raw/fl-pinellas/run-1/abc.html"
	uri, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader("<html>parcel</html>"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, path), uri)

	rc, err := store.Open(path)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<html>parcel</html>", string(body))
}

func TestPutObjectKeepsExistingContent(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.PutObject(ctx, "a/hash.html", "text/html", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a/hash.html", "text/html", strings.NewReader("second"))
	require.NoError(t, err)

	rc, err := store.Open("a/hash.html")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(body))
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "  ", "../escape.html", "a/../../escape.html"} {
		_, err := store.PutObject(context.Background(), path, "text/html", strings.NewReader("x"))
		assert.True(t, parcel.IsCode(err, parcel.CodeInvalidRequest), "path %q", path)
	}
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = store.Open("missing.html")
	require.ErrorIs(t, err, parcel.ErrNotFound)
}
