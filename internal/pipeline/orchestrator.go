package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/diff"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/extract"
	"github.com/ingestrelay/ingestrelay/internal/normalize"
	"github.com/ingestrelay/ingestrelay/internal/notify"
	"github.com/ingestrelay/ingestrelay/internal/publish"
	"github.com/ingestrelay/ingestrelay/internal/sink"
)

// DefaultErrorClass is recorded for failures that carry no class of their own.
const DefaultErrorClass = "PipelineError"

var (
	// ErrRunExists is returned by Store.StartRun when the run id was already recorded.
	ErrRunExists = errors.New("run id already recorded")

	// ErrUnsupportedMode is returned when no extractor is registered for a pull mode.
	ErrUnsupportedMode = errors.New("unsupported connector mode")

	// ErrMappingRequired is returned when a document-producing connector has no mapping.
	ErrMappingRequired = errors.New("spec.mapping is required when spec.output.format is ndjson")

	// ErrTabularUnsupported is returned when a non-SQL connector asks for a CSV export.
	ErrTabularUnsupported = errors.New("csv export is only supported for sql_pull connectors")

	// ErrDuplicateDocIDs is returned when file rows collapse onto the same doc_id.
	ErrDuplicateDocIDs = errors.New("duplicate document IDs detected in file_pull extraction")

	// ErrIngestionNotConfigured is returned when ingestion is enabled without a sink client.
	ErrIngestionNotConfigured = errors.New("ingestion is enabled but no sink client is configured")
)

// Publisher writes run artifacts.
type Publisher interface {
	PublishDocuments(ctx context.Context, run publish.Run, upserts, deletes []*document.Document) (*publish.Manifest, error)
	PublishRows(ctx context.Context, run publish.Run, columns []string, rows []document.Row) (*publish.Manifest, error)
}

// Sink pushes published runs into the indexing service.
type Sink interface {
	Import(ctx context.Context, gemini *connector.Gemini, manifest *publish.Manifest) error
	Delete(ctx context.Context, gemini *connector.Gemini, deletes []*document.Document) ([]sink.DeleteResult, error)
}

// Notifier receives run events and failure alerts. Delivery never fails a run.
type Notifier interface {
	Event(ctx context.Context, event notify.Event)
	Alert(ctx context.Context, alert notify.Alert)
}

// Result is what a run reports to its caller. Fields are declared in key order so the
// encoded form has sorted keys.
type Result struct {
	ConnectorID  string  `json:"connector_id"`
	Deletes      int     `json:"deletes"`
	ManifestPath *string `json:"manifest_path"`
	RunID        string  `json:"run_id"`
	Upserts      int     `json:"upserts"`
}

// Orchestrator sequences a connector run. Runs are synchronous; callers must not start two
// runs of the same connector concurrently.
type Orchestrator struct {
	store      Store
	publisher  Publisher
	extractors map[connector.Mode]extract.Extractor
	sink       Sink
	notifier   Notifier
	now        func() time.Time
	newRunID   func() string
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExtractor registers the adapter used for a pull mode.
func WithExtractor(mode connector.Mode, extractor extract.Extractor) Option {
	return func(o *Orchestrator) {
		o.extractors[mode] = extractor
	}
}

// WithSink sets the ingestion client used when a connector enables ingestion.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithNotifier sets where run events and alerts go.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) {
		o.newRunID = next
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New returns an Orchestrator. Pull modes need an extractor registered with WithExtractor.
func New(store Store, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		publisher:  publisher,
		extractors: make(map[connector.Mode]extract.Extractor),
		notifier:   notify.New(),
		now:        time.Now,
		newRunID:   NewRunID,
		logger:     slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// NewRunID returns a random run id in compact hex form.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RunPath loads the connector at path and runs it.
func (o *Orchestrator) RunPath(ctx context.Context, path, pushRunID string) (*Result, error) {
	cfg, err := connector.Load(path)
	if err != nil {
		return nil, err
	}

	return o.Run(ctx, cfg, pushRunID)
}

// Run executes one sync of cfg. pushRunID selects a specific push batch and becomes the run
// id; otherwise a fresh id is generated. On failure the run is recorded FAILED, an event and
// an alert are sent, and the error is returned unchanged.
func (o *Orchestrator) Run(ctx context.Context, cfg *connector.Config, pushRunID string) (*Result, error) {
	connectorID := cfg.ID()

	runID := pushRunID
	if runID == "" {
		runID = o.newRunID()
	}

	startedAt := o.now().UTC()

	if err := o.store.StartRun(ctx, connectorID, runID, startedAt); err != nil {
		if pushRunID != "" && errors.Is(err, ErrRunExists) {
			// A failed push batch stays PENDING and is claimed again by a run with a fresh id.
			return nil, fmt.Errorf("%w: push run %s was already attempted, retry without a push run id",
				ErrRunExists, runID)
		}

		return nil, fmt.Errorf("failed to start run %s: %w", runID, err)
	}

	logger := o.logger.With(slog.String("connector_id", connectorID), slog.String("run_id", runID))
	logger.Info("Connector run started", slog.String("mode", string(cfg.Spec.Mode)))

	result, err := o.execute(ctx, cfg, runID, pushRunID, startedAt, logger)
	if err != nil {
		o.fail(ctx, connectorID, runID, err, logger)

		return nil, err
	}

	o.notifier.Event(ctx, notify.Completed(connectorID, runID, result.Upserts, result.Deletes, result.ManifestPath))
	logger.Info("Connector run completed",
		slog.Int("upserts", result.Upserts),
		slog.Int("deletes", result.Deletes),
		slog.Duration("duration", o.now().Sub(startedAt)))

	return result, nil
}

// plan is the change set a run publishes and commits.
type plan struct {
	upserts   []*document.Document
	deletes   []*document.Document
	rows      []document.Row
	columns   []string
	watermark string
	batchID   string
}

func (o *Orchestrator) execute(
	ctx context.Context,
	cfg *connector.Config,
	runID, pushRunID string,
	startedAt time.Time,
	logger *slog.Logger,
) (*Result, error) {
	connectorID := cfg.ID()

	checkpoint, err := o.store.Checkpoint(ctx, connectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var p *plan

	if cfg.Spec.Mode == connector.ModeRESTPush {
		p, err = o.claim(ctx, connectorID, pushRunID, checkpoint)
		if err != nil {
			return nil, err
		}

		if p == nil {
			logger.Info("No pending push batch")

			return o.commitEmpty(ctx, connectorID, runID)
		}
	} else {
		p, err = o.pull(ctx, cfg, checkpoint)
		if err != nil {
			return nil, err
		}
	}

	run := publish.Run{
		ConnectorID: connectorID,
		RunID:       runID,
		Output:      cfg.Spec.Output,
		Watermark:   p.watermark,
		StartedAt:   startedAt,
	}

	var manifest *publish.Manifest

	if cfg.Tabular() {
		manifest, err = o.publisher.PublishRows(ctx, run, p.columns, p.rows)
	} else {
		manifest, err = o.publisher.PublishDocuments(ctx, run, p.upserts, p.deletes)
	}

	if err != nil {
		return nil, err
	}

	logger.Info("Published run artifacts", slog.String("manifest_path", manifest.ManifestPath))

	if cfg.Spec.Ingestion.Enabled {
		if err := o.ingest(ctx, cfg, manifest, p.deletes, logger); err != nil {
			return nil, err
		}
	}

	commit := &Commit{
		ConnectorID:       connectorID,
		RunID:             runID,
		AdvanceCheckpoint: true,
		Watermark:         p.watermark,
		PushBatchID:       p.batchID,
		FinishedAt:        o.now().UTC(),
	}

	if cfg.Tabular() {
		commit.Upserts = len(p.rows)
	} else {
		changes := diff.Changes(runID, p.upserts, p.deletes)
		commit.State = &changes
		commit.Upserts = len(p.upserts)
		commit.Deletes = len(p.deletes)
	}

	if err := o.store.CommitRun(ctx, commit); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}

	manifestPath := manifest.ManifestPath

	return &Result{
		ConnectorID:  connectorID,
		Deletes:      commit.Deletes,
		ManifestPath: &manifestPath,
		RunID:        runID,
		Upserts:      commit.Upserts,
	}, nil
}

func (o *Orchestrator) pull(ctx context.Context, cfg *connector.Config, checkpoint string) (*plan, error) {
	mode := cfg.Spec.Mode

	extractor, ok := o.extractors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}

	if cfg.Tabular() && mode != connector.ModeSQLPull {
		return nil, ErrTabularUnsupported
	}

	if !cfg.Tabular() && cfg.Spec.Mapping == nil {
		return nil, ErrMappingRequired
	}

	pulled, err := extractor.Extract(ctx, &cfg.Spec.Source, checkpoint)
	if err != nil {
		return nil, err
	}

	p := &plan{watermark: pulled.Watermark}

	if cfg.Tabular() {
		p.rows, p.columns = pulled.Rows, pulled.Columns

		return p, nil
	}

	normalizer, err := normalize.New(cfg.ID(), *cfg.Spec.Mapping, cfg.Spec.Source.WatermarkField, normalize.WithClock(o.now))
	if err != nil {
		return nil, err
	}

	docs, err := normalizer.Normalize(pulled.Rows)
	if err != nil {
		return nil, err
	}

	if mode == connector.ModeFilePull {
		if err := ensureUniqueDocIDs(docs); err != nil {
			return nil, err
		}
	}

	changes, err := diff.NewEngine(o.store, diff.WithClock(o.now)).
		Compute(ctx, cfg.ID(), docs, cfg.Spec.Reconciliation.DeletePolicy)
	if err != nil {
		return nil, err
	}

	p.upserts, p.deletes = changes.Upserts, changes.Deletes

	return p, nil
}

// claim turns the oldest pending push batch into a plan. Pushed documents carry their own op,
// so they are not diffed; the checkpoint is carried forward unchanged.
func (o *Orchestrator) claim(ctx context.Context, connectorID, pushRunID, checkpoint string) (*plan, error) {
	batch, err := o.store.ClaimPushBatch(ctx, connectorID, pushRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim push batch: %w", err)
	}

	if batch == nil {
		return nil, nil
	}

	p := &plan{watermark: checkpoint, batchID: batch.RunID}

	for _, doc := range batch.Documents {
		if doc.Op == document.OpDelete {
			p.deletes = append(p.deletes, doc)
		} else {
			p.upserts = append(p.upserts, doc)
		}
	}

	return p, nil
}

func (o *Orchestrator) commitEmpty(ctx context.Context, connectorID, runID string) (*Result, error) {
	commit := &Commit{ConnectorID: connectorID, RunID: runID, FinishedAt: o.now().UTC()}
	if err := o.store.CommitRun(ctx, commit); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}

	return &Result{ConnectorID: connectorID, RunID: runID}, nil
}

func (o *Orchestrator) ingest(
	ctx context.Context,
	cfg *connector.Config,
	manifest *publish.Manifest,
	deletes []*document.Document,
	logger *slog.Logger,
) error {
	if cfg.Spec.Gemini == nil {
		return &connector.ValidationError{Problems: []string{"spec.gemini is required when spec.ingestion.enabled is true"}}
	}

	if o.sink == nil {
		return ErrIngestionNotConfigured
	}

	if err := o.sink.Import(ctx, cfg.Spec.Gemini, manifest); err != nil {
		return err
	}

	results, err := o.sink.Delete(ctx, cfg.Spec.Gemini, deletes)
	if err != nil {
		return err
	}

	notFound := 0

	for _, result := range results {
		if result.Outcome == sink.NotFound {
			notFound++
		}
	}

	logger.Info("Ingested run into sink",
		slog.Int("deletes_sent", len(results)),
		slog.Int("deletes_not_found", notFound))

	return nil
}

func (o *Orchestrator) fail(ctx context.Context, connectorID, runID string, runErr error, logger *slog.Logger) {
	class := ErrorClass(runErr)
	message := runErr.Error()

	logger.Error("Connector run failed",
		slog.String("error_class", class),
		slog.String("error", message))

	// The caller's context may already be cancelled; the failure must still be recorded.
	ctx = context.WithoutCancel(ctx)

	if err := o.store.FailRun(ctx, runID, class, message, o.now().UTC()); err != nil {
		logger.Error("Failed to record run failure", slog.String("error", err.Error()))
	}

	o.notifier.Event(ctx, notify.Failed(connectorID, runID, class, message))
	o.notifier.Alert(ctx, notify.FailureAlert(connectorID, runID, class, message))
}

// ErrorClass returns the class of the first error in err's chain that declares one.
func ErrorClass(err error) string {
	var classed interface{ Class() string }
	if errors.As(err, &classed) {
		return classed.Class()
	}

	return DefaultErrorClass
}

func ensureUniqueDocIDs(docs []*document.Document) error {
	seen := make(map[string]struct{}, len(docs))
	duplicates := make(map[string]struct{})

	for _, doc := range docs {
		if _, ok := seen[doc.DocID]; ok {
			duplicates[doc.DocID] = struct{}{}
		}

		seen[doc.DocID] = struct{}{}
	}

	if len(duplicates) == 0 {
		return nil
	}

	ids := make([]string, 0, len(duplicates))
	for id := range duplicates {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return fmt.Errorf("%w: %s", ErrDuplicateDocIDs, strings.Join(ids, ", "))
}
