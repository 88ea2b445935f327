package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestJoinURI(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	uri, err := JoinURI("gs://relay-artifacts/", "/connectors/kb/runs/r1/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "gs://relay-artifacts/connectors/kb/runs/r1/manifest.json", uri)

	uri, err = JoinURI("file://./local-bucket", "connectors/kb/state/latest_success.json")
	require.NoError(t, err)
	assert.Equal(t, "file://./local-bucket/connectors/kb/state/latest_success.json", uri)

	_, err = JoinURI("s3://bucket", "x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestSplitGCSURI(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	bucket, object, err := SplitGCSURI("gs://relay-artifacts/connectors/kb/rows.csv")
	require.NoError(t, err)
	assert.Equal(t, "relay-artifacts", bucket)
	assert.Equal(t, "connectors/kb/rows.csv", object)

	for _, bad := range []string{"gs://bucket-only", "gs:///object", "file://x/y"} {
		_, _, err := SplitGCSURI(bad)
		assert.ErrorIs(t, err, ErrInvalidURI, bad)
	}
}

func TestLocalStoreUpload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	uri := "file://" + filepath.ToSlash(dir) + "/connectors/kb/runs/r1/upserts.ndjson"

	require.NoError(t, LocalStore{}.Upload(context.Background(), uri, []byte("line"), "application/x-ndjson"))

	data, err := os.ReadFile(filepath.Join(dir, "connectors", "kb", "runs", "r1", "upserts.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "line", string(data))

	path, err := LocalPath("file://./local-bucket/x.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("./local-bucket/x.json"), path)

	_, err = LocalPath("gs://bucket/x")
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestGCSStoreUpload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var (
		mu    sync.Mutex
		paths []string
		body  string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)

		mu.Lock()
		paths = append(paths, r.URL.Path)
		body = string(raw)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"connectors/kb/runs/r1/manifest.json","bucket":"relay-artifacts"}`)
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()

	store, err := NewGCSStore(ctx,
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = store.Upload(ctx, "gs://relay-artifacts/connectors/kb/runs/r1/manifest.json", []byte(`{"run_id":"r1"}`), "application/json")
	require.NoError(t, err)

	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], "/b/relay-artifacts/o"), paths[0])
	assert.Contains(t, body, "connectors/kb/runs/r1/manifest.json")
	assert.Contains(t, body, `{"run_id":"r1"}`)
}

func TestRouter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	created := 0
	router := &Router{newGCS: func(context.Context) (Store, error) {
		created++

		return LocalStore{}, nil
	}}

	ctx := context.Background()

	store, err := router.For(ctx, "file://./out")
	require.NoError(t, err)
	assert.IsType(t, LocalStore{}, store)

	_, err = router.For(ctx, "gs://a")
	require.NoError(t, err)
	_, err = router.For(ctx, "gs://b")
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	_, err = router.For(ctx, "s3://a")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
