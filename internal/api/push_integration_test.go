package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/api/middleware"
	"github.com/ingestrelay/ingestrelay/internal/config"
	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/push"
	"github.com/ingestrelay/ingestrelay/internal/storage"
)

const pushConnectorYAML = `apiVersion: sync.ingestrelay.io/v1alpha1
kind: Connector
metadata:
  name: kb-push
spec:
  mode: rest_push
  source:
    type: http
  mapping:
    idField: doc_id
    titleField: title
    contentTemplate: "{{ .content }}"
  output:
    bucket: file://./local-bucket
    prefix: kb-push
`

type integrationServer struct {
	server *Server
	store  *storage.SyncStore
	apiKey string
}

func setupIntegrationServer(ctx context.Context, t *testing.T) *integrationServer {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	conn := storage.NewConnectionFromDB(testDB.Connection)

	syncStore, err := storage.NewSyncStore(conn)
	require.NoError(t, err)

	keyStore, err := storage.NewPersistentKeyStore(conn, nil)
	require.NoError(t, err)

	apiKey, err := storage.NewAPIKey("integration", []string{"kb-push"}, nil)
	require.NoError(t, err)
	require.NoError(t, keyStore.Add(ctx, apiKey))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kb-push.yaml"), []byte(pushConnectorYAML), 0o600))

	limiter := middleware.NewInMemoryRateLimiter(&middleware.Config{GlobalRPS: 1000, ClientRPS: 1000, UnAuthRPS: 10}, nil)
	t.Cleanup(func() { _ = limiter.Close() })

	server := NewServer(testConfig(), push.NewService(syncStore), &connector.Catalog{Dir: dir},
		WithLogger(discardLogger()),
		WithRunHistory(syncStore),
		WithHealthChecker(syncStore),
		WithAPIKeyStore(keyStore),
		WithRateLimiter(limiter),
	)

	return &integrationServer{server: server, store: syncStore, apiKey: apiKey.Key}
}

func (s *integrationServer) push(key, body string) *http.Request {
	req := pushRequest("kb-push", key, body)
	req.Header.Set("X-Api-Key", s.apiKey)

	return req
}

func TestPushIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s := setupIntegrationServer(ctx, t)

	body := "[" + pushedDoc("kb:1") + "," + pushedDoc("kb:2") + "]"

	rec := serve(s.server, s.push("int-1", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := rec.Body.String()

	rec = serve(s.server, s.push("int-1", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, first, rec.Body.String(), "replayed response is byte identical")

	rec = serve(s.server, s.push("int-1", pushedDoc("kb:3")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	batch, err := s.store.ClaimPushBatch(ctx, "kb-push", "")
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Len(t, batch.Documents, 2)
	assert.Equal(t, "kb:1", batch.Documents[0].DocID)

	rec = serve(s.server, httptestGet("/ready", s.apiKey))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPushIntegrationConcurrentRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s := setupIntegrationServer(ctx, t)

	body := pushedDoc("kb:1")

	const callers = 8

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies = map[string]int{}
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rec := serve(s.server, s.push("race", body))

			mu.Lock()
			defer mu.Unlock()

			if assert.Equal(t, http.StatusAccepted, rec.Code) {
				bodies[rec.Body.String()]++
			}
		}()
	}

	wg.Wait()

	assert.Len(t, bodies, 1, "every caller sees the same run id")

	batch, err := s.store.ClaimPushBatch(ctx, "kb-push", "")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Len(t, batch.Documents, 1)
}
