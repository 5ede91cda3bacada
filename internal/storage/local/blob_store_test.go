package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-harvester/internal/storage/local"
)

func TestNewCreatesMissingBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "checkpoints", "harvest")
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)
	assert.NotNil(t, store)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRejectsUnusableBaseDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	readOnly := t.TempDir()
	// #nosec G302 -- read-only directory for the permission case.
	require.NoError(t, os.Chmod(readOnly, 0o500))
	t.Cleanup(func() {
		// #nosec G302 -- restore so TempDir cleanup succeeds.
		_ = os.Chmod(readOnly, 0o700)
	})

	for name, dir := range map[string]string{
		"empty":     "  ",
		"file":      file,
		"read-only": readOnly,
	} {
		t.Run(name, func(t *testing.T) {
			if name == "read-only" && os.Geteuid() == 0 {
				t.Skip("root ignores directory permissions")
			}
			_, err := local.New(local.Config{BaseDir: dir})
			assert.Error(t, err)
		})
	}
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	cfg := local.Config{BaseDir: tempDir}
	store, err := local.New(cfg)
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "reports/report_batch001.json"
		data := []byte(`{"blocked":false}`)
		uri, err := store.PutObject(context.Background(), path, "application/json", bytes.NewReader(data))
		require.NoError(t, err)

		expectedURI := "file://" + filepath.Join(tempDir, path)
		assert.Equal(t, expectedURI, uri)

		// Verify the file was written correctly.
		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("NestedPath", func(t *testing.T) {
		path := "a/b/c/manifest.json"
		data := []byte(`{"remaining_items":[]}`)
		uri, err := store.PutObject(context.Background(), path, "text/plain", bytes.NewReader(data))
		require.NoError(t, err)

		expectedURI := "file://" + filepath.Join(tempDir, path)
		assert.Equal(t, expectedURI, uri)

		// Verify the file was written correctly.
		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})
}

func TestPutObjectReplacesWholeDocument(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.PutObject(ctx, "manifests/resume.json", "application/json", bytes.NewReader([]byte("first version, longer")))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "manifests/resume.json", "application/json", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	got, err := store.GetObject(ctx, "manifests/resume.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	entries, err := os.ReadDir(filepath.Join(tempDir, "manifests"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", bytes.NewReader([]byte("{}")))
	assert.Error(t, err)
}

func TestGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	ctx := context.Background()
	uri, err := store.PutObject(ctx, "reports/r.json", "application/json", bytes.NewReader([]byte(`{"a":1}`)))
	require.NoError(t, err)

	t.Run("ByURI", func(t *testing.T) {
		got, err := store.GetObject(ctx, uri)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("ByRelativePath", func(t *testing.T) {
		got, err := store.GetObject(ctx, "reports/r.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "reports/missing.json")
		assert.ErrorIs(t, err, local.ErrNotFound)
	})
}

func TestRelativeBaseDirRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())

	store, err := local.New(local.Config{BaseDir: "checkpoints"})
	require.NoError(t, err)

	ctx := context.Background()
	loc, err := store.PutObject(ctx, "manifests/resume.json", "application/json", bytes.NewReader([]byte(`{"batch_number":1}`)))
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(strings.TrimPrefix(loc, "file://")), "location %s is not absolute", loc)

	got, err := store.GetObject(ctx, loc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch_number":1}`, string(got))

	got, err = store.GetObject(ctx, "manifests/resume.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"batch_number":1}`, string(got))
}
