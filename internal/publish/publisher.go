// Package publish writes run artifacts and the pointers that make a run visible.
//
// Layout under the output bucket, where <prefix> is output.prefix or the connector id:
//
//	connectors/<prefix>/runs/<run_id>/upserts.ndjson
//	connectors/<prefix>/runs/<run_id>/upserts.discovery.ndjson
//	connectors/<prefix>/runs/<run_id>/deletes.ndjson
//	connectors/<prefix>/runs/<run_id>/manifest.json      (or rows.csv for tabular exports)
//	connectors/<prefix>/latest/...                        (when publishLatestAlias is set)
//	connectors/<prefix>/state/latest_success.json
//
// Run artifacts are written before the manifest, the manifest before the latest alias, and
// the state pointer last, so a reader following the pointer never sees a partial run.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/objectstore"
)

// Content types of published objects.
const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeJSON   = "application/json"
	ContentTypeCSV    = "text/csv"
)

// Artifact names.
const (
	UpsertsFile          = "upserts.ndjson"
	DiscoveryUpsertsFile = "upserts.discovery.ndjson"
	DeletesFile          = "deletes.ndjson"
	ManifestFile         = "manifest.json"
	RowsFile             = "rows.csv"
	StateFile            = "latest_success.json"
)

// Manifest describes what a run published. Fields are declared in key order so the JSON
// encoding has sorted keys.
type Manifest struct {
	CompletedAt       time.Time `json:"completed_at"`
	ConnectorID       string    `json:"connector_id"`
	CSVPath           *string   `json:"csv_path,omitempty"`
	DeletesCount      int       `json:"deletes_count"`
	DeletesPath       *string   `json:"deletes_path,omitempty"`
	ImportUpsertsPath *string   `json:"import_upserts_path,omitempty"`
	ManifestPath      string    `json:"manifest_path"`
	RunID             string    `json:"run_id"`
	StartedAt         time.Time `json:"started_at"`
	UpsertsCount      int       `json:"upserts_count"`
	UpsertsPath       *string   `json:"upserts_path,omitempty"`
	Watermark         *string   `json:"watermark"`
}

// Run identifies the run being published.
type Run struct {
	ConnectorID string
	RunID       string
	Output      connector.Output
	Watermark   string
	StartedAt   time.Time
}

// StoreResolver returns the object store for a bucket URI.
type StoreResolver interface {
	For(ctx context.Context, bucket string) (objectstore.Store, error)
}

// Publisher uploads artifacts through a StoreResolver.
type Publisher struct {
	stores StoreResolver
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the time stamped as completed_at.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithLogger sets the publisher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// New returns a publisher.
func New(stores StoreResolver, opts ...Option) *Publisher {
	p := &Publisher{
		stores: stores,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type layout struct {
	bucket string
	base   string
}

func newLayout(run Run) layout {
	prefix := strings.Trim(run.Output.Prefix, "/")
	if prefix == "" {
		prefix = run.ConnectorID
	}

	return layout{bucket: run.Output.Bucket, base: "connectors/" + prefix}
}

func (l layout) uri(parts ...string) (string, error) {
	return objectstore.JoinURI(l.bucket, l.base+"/"+strings.Join(parts, "/"))
}

type upload struct {
	name        string
	data        []byte
	contentType string
}

// PublishDocuments writes the document artifacts of a run and returns its manifest.
func (p *Publisher) PublishDocuments(ctx context.Context, run Run, upserts, deletes []*document.Document) (*Manifest, error) {
	upsertsData, err := CanonicalNDJSON(upserts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upserts: %w", err)
	}

	discoveryData, err := DiscoveryNDJSON(upserts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode discovery upserts: %w", err)
	}

	deletesData, err := CanonicalNDJSON(deletes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deletes: %w", err)
	}

	files := []upload{
		{name: UpsertsFile, data: upsertsData, contentType: ContentTypeNDJSON},
		{name: DiscoveryUpsertsFile, data: discoveryData, contentType: ContentTypeNDJSON},
		{name: DeletesFile, data: deletesData, contentType: ContentTypeNDJSON},
	}

	return p.publish(ctx, run, files, len(upserts), len(deletes))
}

// PublishRows writes a CSV snapshot for a tabular export and returns its manifest.
func (p *Publisher) PublishRows(ctx context.Context, run Run, columns []string, rows []document.Row) (*Manifest, error) {
	data, err := CSVSnapshot(columns, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CSV snapshot: %w", err)
	}

	return p.publish(ctx, run, []upload{{name: RowsFile, data: data, contentType: ContentTypeCSV}}, len(rows), 0)
}

func (p *Publisher) publish(ctx context.Context, run Run, files []upload, upserts, deletes int) (*Manifest, error) {
	store, err := p.stores.For(ctx, run.Output.Bucket)
	if err != nil {
		return nil, err
	}

	l := newLayout(run)

	runPaths, err := p.uploadSet(ctx, store, l, files, "runs", run.RunID)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		CompletedAt:  p.now().UTC(),
		ConnectorID:  run.ConnectorID,
		DeletesCount: deletes,
		RunID:        run.RunID,
		StartedAt:    run.StartedAt.UTC(),
		UpsertsCount: upserts,
	}

	if run.Watermark != "" {
		watermark := run.Watermark
		manifest.Watermark = &watermark
	}

	if err := p.writeManifest(ctx, store, l, manifest, runPaths, "runs", run.RunID); err != nil {
		return nil, err
	}

	state := manifest

	if run.Output.PublishLatestAlias {
		latestPaths, err := p.uploadSet(ctx, store, l, files, "latest")
		if err != nil {
			return nil, err
		}

		latest := *manifest
		if err := p.writeManifest(ctx, store, l, &latest, latestPaths, "latest"); err != nil {
			return nil, err
		}

		state = &latest
	}

	if err := p.writeJSON(ctx, store, l, state, "state", StateFile); err != nil {
		return nil, err
	}

	p.logger.Info("Published run artifacts",
		slog.String("connector_id", run.ConnectorID),
		slog.String("run_id", run.RunID),
		slog.String("manifest_path", manifest.ManifestPath),
		slog.Int("upserts", upserts),
		slog.Int("deletes", deletes))

	return manifest, nil
}

func (p *Publisher) uploadSet(
	ctx context.Context,
	store objectstore.Store,
	l layout,
	files []upload,
	dir ...string,
) (map[string]string, error) {
	paths := make(map[string]string, len(files))

	for _, file := range files {
		uri, err := l.uri(append(dir, file.name)...)
		if err != nil {
			return nil, err
		}

		if err := store.Upload(ctx, uri, file.data, file.contentType); err != nil {
			return nil, err
		}

		paths[file.name] = uri
	}

	return paths, nil
}

func (p *Publisher) writeManifest(
	ctx context.Context,
	store objectstore.Store,
	l layout,
	manifest *Manifest,
	paths map[string]string,
	dir ...string,
) error {
	uri, err := l.uri(append(dir, ManifestFile)...)
	if err != nil {
		return err
	}

	manifest.ManifestPath = uri
	manifest.UpsertsPath = pathOf(paths, UpsertsFile)
	manifest.ImportUpsertsPath = pathOf(paths, DiscoveryUpsertsFile)
	manifest.DeletesPath = pathOf(paths, DeletesFile)
	manifest.CSVPath = pathOf(paths, RowsFile)

	return p.writeJSON(ctx, store, l, manifest, append(dir, ManifestFile)...)
}

func (p *Publisher) writeJSON(ctx context.Context, store objectstore.Store, l layout, manifest *Manifest, parts ...string) error {
	uri, err := l.uri(parts...)
	if err != nil {
		return err
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	return store.Upload(ctx, uri, data, ContentTypeJSON)
}

func pathOf(paths map[string]string, name string) *string {
	if uri, ok := paths[name]; ok {
		return &uri
	}

	return nil
}
