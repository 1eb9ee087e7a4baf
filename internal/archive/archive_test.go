package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_None(t *testing.T) {
	t.Parallel()

	for _, b := range []Backend{"", BackendNone} {
		sink, err := New(context.Background(), Options{Backend: b})
		require.NoError(t, err)
		assert.Nil(t, sink)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{Backend: "ftp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown archive backend "ftp"`)
}

func TestNew_IncompleteSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{"local", Options{Backend: BackendLocal}, "directory is required"},
		{"s3", Options{Backend: BackendS3, S3Endpoint: "s3.example.com"}, "S3 archive requires"},
		{"azure", Options{Backend: BackendAzure, AzureAccountName: "acct"}, "Azure archive requires"},
		{"gcs", Options{Backend: BackendGCS}, "GCS archive requires a bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(context.Background(), tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLocalSink_PutWithPrefix(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	sink, err := New(context.Background(), Options{Backend: BackendLocal, LocalDir: dir, Prefix: "/raw/"})
	require.NoError(t, err)
	assert.Equal(t, dir+"/raw", sink.Location())

	require.NoError(t, sink.Put(context.Background(), "signIns/run-1.json", []byte(`[1]`)))
	require.NoError(t, sink.Put(context.Background(), "signIns/run-1.json", []byte(`[2]`)))

	got, err := os.ReadFile(filepath.Join(dir, "raw", "signIns", "run-1.json"))
	require.NoError(t, err)
	assert.Equal(t, `[2]`, string(got))

	leftovers, err := filepath.Glob(filepath.Join(dir, "raw", "signIns", ".archive-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLocalSink_KeyCannotEscape(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	sink, err := NewLocalSink(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	require.NoError(t, sink.Put(context.Background(), "../../escape.json", []byte(`{}`)))

	_, err = os.Stat(filepath.Join(dir, "archive", "escape.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape.json"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, sink.Put(context.Background(), "/", []byte(`{}`)))
}

func TestS3Sink_Put(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sink, err := NewS3Sink(Options{
		S3Endpoint: srv.URL,
		S3Region:   "eu-central",
		S3KeyID:    "key",
		S3Secret:   "secret",
		S3Bucket:   "archive",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://archive", sink.Location())

	require.NoError(t, sink.Put(context.Background(), "activity/run.json", []byte(`{"ok":true}`)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/archive/activity/run.json", path)
	assert.Contains(t, string(body), `{"ok":true}`)
}
