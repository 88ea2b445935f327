package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/objectstore"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	order   []string
	failOn  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryStore) Upload(_ context.Context, uri string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn != "" && filepath.Base(uri) == m.failOn {
		return errors.New("upload refused")
	}

	m.objects[uri] = append([]byte(nil), data...)
	m.types[uri] = contentType
	m.order = append(m.order, uri)

	return nil
}

func (m *memoryStore) For(context.Context, string) (objectstore.Store, error) {
	return m, nil
}

var (
	startedAt   = time.Date(2026, 2, 16, 8, 0, 0, 0, time.UTC)
	completedAt = time.Date(2026, 2, 16, 8, 5, 0, 0, time.UTC)
)

const bucketBase = "gs://relay-artifacts/connectors/kb-prefix/"

func sampleDocs() ([]*document.Document, []*document.Document) {
	uri := "https://kb.example.com/1"

	upserts := []*document.Document{{
		DocID:     "kb:1",
		Title:     "Reset",
		Content:   "Body <b>",
		URI:       &uri,
		MimeType:  "text/plain",
		UpdatedAt: startedAt,
		ACLUsers:  []string{"a@x"},
		Metadata:  map[string]any{"connector_id": "kb"},
		Checksum:  "sha256:abc",
		Op:        document.OpUpsert,
	}}

	deletes := []*document.Document{{
		DocID:     "kb:2",
		MimeType:  "text/plain",
		UpdatedAt: startedAt,
		Metadata:  map[string]any{"connector_id": "kb", "soft_delete": true},
		Checksum:  "sha256:def",
		Op:        document.OpDelete,
	}}

	return upserts, deletes
}

func sampleRun(alias bool) Run {
	return Run{
		ConnectorID: "kb",
		RunID:       "run-1",
		Output: connector.Output{
			Bucket:             "gs://relay-artifacts/",
			Prefix:             "/kb-prefix/",
			Format:             connector.FormatNDJSON,
			PublishLatestAlias: alias,
		},
		Watermark: "2026-02-16T08:00:00+00:00",
		StartedAt: startedAt,
	}
}

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()

	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestPublishDocuments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	publisher := New(store, WithClock(func() time.Time { return completedAt }))
	upserts, deletes := sampleDocs()

	manifest, err := publisher.PublishDocuments(context.Background(), sampleRun(false), upserts, deletes)
	require.NoError(t, err)

	assert.Equal(t, []string{
		bucketBase + "runs/run-1/upserts.ndjson",
		bucketBase + "runs/run-1/upserts.discovery.ndjson",
		bucketBase + "runs/run-1/deletes.ndjson",
		bucketBase + "runs/run-1/manifest.json",
		bucketBase + "state/latest_success.json",
	}, store.order)

	assert.Equal(t, bucketBase+"runs/run-1/manifest.json", manifest.ManifestPath)
	assert.Equal(t, 1, manifest.UpsertsCount)
	assert.Equal(t, 1, manifest.DeletesCount)
	assert.Nil(t, manifest.CSVPath)
	assert.Equal(t, ContentTypeNDJSON, store.types[bucketBase+"runs/run-1/upserts.ndjson"])
	assert.Equal(t, ContentTypeJSON, store.types[bucketBase+"runs/run-1/manifest.json"])

	g := newGoldie(t)
	g.Assert(t, "documents_upserts", store.objects[bucketBase+"runs/run-1/upserts.ndjson"])
	g.Assert(t, "documents_discovery", store.objects[bucketBase+"runs/run-1/upserts.discovery.ndjson"])
	g.Assert(t, "documents_deletes", store.objects[bucketBase+"runs/run-1/deletes.ndjson"])
	g.Assert(t, "documents_manifest", store.objects[bucketBase+"runs/run-1/manifest.json"])

	assert.Equal(t,
		store.objects[bucketBase+"runs/run-1/manifest.json"],
		store.objects[bucketBase+"state/latest_success.json"])
}

func TestPublishDocumentsLatestAlias(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	publisher := New(store, WithClock(func() time.Time { return completedAt }))
	upserts, deletes := sampleDocs()

	manifest, err := publisher.PublishDocuments(context.Background(), sampleRun(true), upserts, deletes)
	require.NoError(t, err)
	assert.Equal(t, bucketBase+"runs/run-1/manifest.json", manifest.ManifestPath)

	require.Len(t, store.order, 9)
	assert.Equal(t, bucketBase+"runs/run-1/manifest.json", store.order[3])
	assert.Equal(t, bucketBase+"latest/manifest.json", store.order[7])
	assert.Equal(t, bucketBase+"state/latest_success.json", store.order[8])

	var state Manifest
	require.NoError(t, json.Unmarshal(store.objects[bucketBase+"state/latest_success.json"], &state))
	assert.Equal(t, bucketBase+"latest/manifest.json", state.ManifestPath)
	require.NotNil(t, state.UpsertsPath)
	assert.Equal(t, bucketBase+"latest/upserts.ndjson", *state.UpsertsPath)
	assert.Equal(t, "run-1", state.RunID)

	assert.Equal(t,
		store.objects[bucketBase+"runs/run-1/upserts.ndjson"],
		store.objects[bucketBase+"latest/upserts.ndjson"])
}

func TestPublishStopsBeforePointersOnFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	store.failOn = DeletesFile

	upserts, deletes := sampleDocs()

	_, err := New(store).PublishDocuments(context.Background(), sampleRun(true), upserts, deletes)
	require.Error(t, err)

	uris := make([]string, 0, len(store.objects))
	for uri := range store.objects {
		uris = append(uris, uri)
	}

	sort.Strings(uris)
	assert.Equal(t, []string{
		bucketBase + "runs/run-1/upserts.discovery.ndjson",
		bucketBase + "runs/run-1/upserts.ndjson",
	}, uris)
}

func TestPublishRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newMemoryStore()
	publisher := New(store, WithClock(func() time.Time { return completedAt }))

	run := sampleRun(false)
	run.Output.Format = connector.FormatCSV
	run.Watermark = ""

	rows := []document.Row{
		{"id": int64(1), "name": "Ada, Countess", "updated_at": startedAt, "tags": []any{"x", "y"}},
		{"id": int64(2), "name": `Bob "B"`, "updated_at": nil, "extra": true},
	}

	manifest, err := publisher.PublishRows(context.Background(), run, []string{"id", "name", "updated_at", "tags"}, rows)
	require.NoError(t, err)

	require.NotNil(t, manifest.CSVPath)
	assert.Equal(t, bucketBase+"runs/run-1/rows.csv", *manifest.CSVPath)
	assert.Nil(t, manifest.UpsertsPath)
	assert.Nil(t, manifest.Watermark)
	assert.Equal(t, 2, manifest.UpsertsCount)
	assert.Equal(t, ContentTypeCSV, store.types[*manifest.CSVPath])

	g := newGoldie(t)
	g.Assert(t, "rows_csv", store.objects[*manifest.CSVPath])
	g.Assert(t, "rows_manifest", store.objects[bucketBase+"runs/run-1/manifest.json"])
}

func TestPublishToLocalBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	run := sampleRun(true)
	run.Output.Bucket = "file://" + filepath.ToSlash(dir)
	run.Output.Prefix = ""

	upserts, deletes := sampleDocs()

	_, err := New(objectstore.NewRouter()).PublishDocuments(context.Background(), run, upserts, deletes)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "connectors", "kb", "state", "latest_success.json"))
	require.NoError(t, err)

	var state Manifest
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "run-1", state.RunID)
}

func TestDiscoveryContentFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "Body", nonEmptyContent(&document.Document{DocID: "a", Title: "T", Content: "Body"}))
	assert.Equal(t, "T", nonEmptyContent(&document.Document{DocID: "a", Title: "T", Content: "  "}))
	assert.Equal(t, "a", nonEmptyContent(&document.Document{DocID: "a"}))
}
