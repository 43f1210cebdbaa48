package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_LocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tarif.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	r := &Resolver{}
	for _, src := range []string{path, "file://" + path} {
		doc, err := r.Fetch(context.Background(), src)
		require.NoError(t, err, src)
		assert.Equal(t, path, doc.Path)
		doc.Cleanup()

		_, err = os.Stat(path)
		require.NoError(t, err, "local files are never removed")
	}
}

func TestResolver_MissingFile(t *testing.T) {
	_, err := (&Resolver{}).Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}

func TestResolver_UnsupportedScheme(t *testing.T) {
	_, err := (&Resolver{}).Fetch(context.Background(), "s3://bucket/tarif.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestResolver_HTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("code;prix\n"))
	}))
	defer srv.Close()

	r := &Resolver{HTTP: newTestFetcher(), TempDir: t.TempDir()}
	doc, err := r.Fetch(context.Background(), srv.URL+"/exports/tarif.csv")
	require.NoError(t, err)
	assert.Equal(t, "tarif.csv", filepath.Base(doc.Path))

	data, err := os.ReadFile(doc.Path)
	require.NoError(t, err)
	assert.Equal(t, "code;prix\n", string(data))

	doc.Cleanup()
	_, err = os.Stat(doc.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestResolver_UnpacksZip(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"tarif.csv": "code\n"})

	r := &Resolver{TempDir: t.TempDir()}
	doc, err := r.Fetch(context.Background(), zipPath)
	require.NoError(t, err)
	assert.Equal(t, "tarif.csv", filepath.Base(doc.Path))

	doc.Cleanup()
	_, err = os.Stat(doc.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(zipPath)
	require.NoError(t, err)
}
