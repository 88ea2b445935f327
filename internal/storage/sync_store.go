package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/ingestrelay/ingestrelay/internal/diff"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/pipeline"
	"github.com/ingestrelay/ingestrelay/internal/push"
)

// Sentinel errors for sync state operations.
var (
	// ErrSyncStoreFailed is returned when a state query or transaction fails.
	ErrSyncStoreFailed = errors.New("sync state storage failed")

	// ErrDatabaseUnavailable is returned when the connection to PostgreSQL was lost mid-operation.
	ErrDatabaseUnavailable = errors.New("database connection lost")

	// ErrRunNotFound is returned when a run id has no run_state row.
	ErrRunNotFound = errors.New("run not found")

	_ pipeline.Store = (*SyncStore)(nil)
	_ push.Store     = (*SyncStore)(nil)
)

const pushBatchPending = "PENDING"

type (
	// SyncStore persists connector sync state in PostgreSQL: record state, checkpoints, run
	// history and the push staging tables. It implements pipeline.Store and push.Store.
	//
	// Everything a successful run changes is written by CommitRun in a single transaction, and
	// run rows only ever leave RUNNING once.
	SyncStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// SyncStoreOption configures optional SyncStore behavior.
	SyncStoreOption func(*SyncStore)

	// RunRecord is one row of run history.
	RunRecord struct {
		RunID        string     `json:"run_id"`
		ConnectorID  string     `json:"connector_id"`
		Status       string     `json:"status"`
		StartedAt    time.Time  `json:"started_at"`
		FinishedAt   *time.Time `json:"finished_at"`
		Upserts      int        `json:"upserts"`
		Deletes      int        `json:"deletes"`
		ErrorClass   string     `json:"error_class,omitempty"`
		ErrorMessage string     `json:"error_message,omitempty"`
	}

	// querier is satisfied by both *sql.DB and *sql.Tx.
	querier interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	}
)

// WithSyncLogger sets the store logger.
func WithSyncLogger(logger *slog.Logger) SyncStoreOption {
	return func(s *SyncStore) {
		s.logger = logger
	}
}

// NewSyncStore returns a store on conn. The connection is owned by the caller.
func NewSyncStore(conn *Connection, opts ...SyncStoreOption) (*SyncStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &SyncStore{
		conn:   conn,
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// HealthCheck verifies the database is reachable.
func (s *SyncStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// RecordStates returns the tracked documents of connectorID keyed by doc id.
func (s *SyncStore) RecordStates(ctx context.Context, connectorID string) (map[string]diff.RecordState, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT doc_id, checksum, source_updated_at, last_seen_run_id
		FROM record_state
		WHERE connector_id = $1
	`, connectorID)
	if err != nil {
		return nil, s.wrap("failed to query record state", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	states := make(map[string]diff.RecordState)

	for rows.Next() {
		var state diff.RecordState

		if err := rows.Scan(&state.DocID, &state.Checksum, &state.SourceUpdatedAt, &state.LastSeenRunID); err != nil {
			return nil, s.wrap("failed to scan record state", err)
		}

		state.SourceUpdatedAt = state.SourceUpdatedAt.UTC()
		states[state.DocID] = state
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("failed to iterate record state", err)
	}

	return states, nil
}

// StartRun records a new RUNNING run. A run id that already has a row returns
// pipeline.ErrRunExists.
func (s *SyncStore) StartRun(ctx context.Context, connectorID, runID string, startedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO run_state (run_id, connector_id, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, runID, connectorID, pipeline.StatusRunning, startedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", pipeline.ErrRunExists, runID)
	}

	if err != nil {
		return s.wrap("failed to start run", err)
	}

	return nil
}

// Checkpoint returns the committed watermark of connectorID, "" when none was committed.
func (s *SyncStore) Checkpoint(ctx context.Context, connectorID string) (string, error) {
	var watermark sql.NullString

	err := s.conn.QueryRowContext(ctx, `
		SELECT watermark FROM connector_checkpoints WHERE connector_id = $1
	`, connectorID).Scan(&watermark)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", s.wrap("failed to load checkpoint", err)
	}

	return watermark.String, nil
}

// ClaimPushBatch returns the oldest pending push batch of connectorID, restricted to runID
// when it is not empty. The batch is not marked; CommitRun does that once the run succeeds.
func (s *SyncStore) ClaimPushBatch(ctx context.Context, connectorID, runID string) (*pipeline.PushBatch, error) {
	var batchID string

	err := s.conn.QueryRowContext(ctx, `
		SELECT run_id
		FROM push_batches
		WHERE connector_id = $1
		  AND status = $2
		  AND ($3::text = '' OR run_id = $3::text)
		ORDER BY created_at, run_id
		LIMIT 1
	`, connectorID, pushBatchPending, runID).Scan(&batchID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, s.wrap("failed to find pending push batch", err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, payload
		FROM push_events
		WHERE run_id = $1 AND processed = FALSE
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, s.wrap("failed to query push events", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	batch := &pipeline.PushBatch{RunID: batchID}

	for rows.Next() {
		var (
			id      int64
			payload []byte
		)

		if err := rows.Scan(&id, &payload); err != nil {
			return nil, s.wrap("failed to scan push event", err)
		}

		doc, err := document.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: push event %d of batch %s: %w", ErrSyncStoreFailed, id, batchID, err)
		}

		batch.Documents = append(batch.Documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("failed to iterate push events", err)
	}

	return batch, nil
}

// CommitRun applies a successful run in one transaction: run status and counts, record
// state upserts and deletions, the checkpoint and the push batch flags. A run that is not
// RUNNING yields pipeline.ErrTerminalState and nothing is written.
func (s *SyncStore) CommitRun(ctx context.Context, commit *pipeline.Commit) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	err = finishRun(ctx, tx, commit.RunID, pipeline.StatusSuccess,
		`UPDATE run_state
		 SET status = $2, finished_at = $3, upserts_count = $4, deletes_count = $5
		 WHERE run_id = $1 AND status = 'RUNNING'`,
		commit.RunID, pipeline.StatusSuccess, commit.FinishedAt.UTC(), commit.Upserts, commit.Deletes)
	if err != nil {
		return err
	}

	if commit.State != nil {
		if err := applyRecordState(ctx, tx, commit.ConnectorID, commit.State); err != nil {
			return s.wrap("failed to apply record state", err)
		}
	}

	if commit.AdvanceCheckpoint {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connector_checkpoints (connector_id, watermark, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (connector_id)
			DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at
		`, commit.ConnectorID, nullString(commit.Watermark), commit.FinishedAt.UTC())
		if err != nil {
			return s.wrap("failed to advance checkpoint", err)
		}
	}

	if commit.PushBatchID != "" {
		if err := markBatchProcessed(ctx, tx, commit.PushBatchID); err != nil {
			return s.wrap("failed to mark push batch processed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap("failed to commit run", err)
	}

	s.logger.Debug("Committed run",
		slog.String("connector_id", commit.ConnectorID),
		slog.String("run_id", commit.RunID),
		slog.Bool("checkpoint_advanced", commit.AdvanceCheckpoint))

	return nil
}

// FailRun marks a RUNNING run FAILED. A run that is not RUNNING yields
// pipeline.ErrTerminalState and is left as it was.
func (s *SyncStore) FailRun(ctx context.Context, runID, errorClass, errorMessage string, finishedAt time.Time) error {
	return finishRun(ctx, s.conn, runID, pipeline.StatusFailed,
		`UPDATE run_state
		 SET status = $2, finished_at = $3, error_class = $4, error_message = $5
		 WHERE run_id = $1 AND status = 'RUNNING'`,
		runID, pipeline.StatusFailed, finishedAt.UTC(), errorClass, errorMessage)
}

// Run returns the run_state row of runID.
func (s *SyncStore) Run(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.conn.QueryRowContext(ctx, runColumns+` WHERE run_id = $1`, runID)

	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err != nil {
		return nil, s.wrap("failed to load run", err)
	}

	return record, nil
}

// RecentRuns returns up to limit runs of connectorID, newest first.
func (s *SyncStore) RecentRuns(ctx context.Context, connectorID string, limit int) ([]*RunRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		runColumns+` WHERE connector_id = $1 ORDER BY started_at DESC, run_id LIMIT $2`,
		connectorID, limit)
	if err != nil {
		return nil, s.wrap("failed to query runs", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := []*RunRecord{}

	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, s.wrap("failed to scan run", err)
		}

		runs = append(runs, record)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("failed to iterate runs", err)
	}

	return runs, nil
}

const runColumns = `
	SELECT run_id, connector_id, status, started_at, finished_at,
	       upserts_count, deletes_count, error_class, error_message
	FROM run_state`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		record       RunRecord
		finishedAt   sql.NullTime
		errorClass   sql.NullString
		errorMessage sql.NullString
	)

	err := row.Scan(&record.RunID, &record.ConnectorID, &record.Status, &record.StartedAt, &finishedAt,
		&record.Upserts, &record.Deletes, &errorClass, &errorMessage)
	if err != nil {
		return nil, err
	}

	record.StartedAt = record.StartedAt.UTC()

	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		record.FinishedAt = &t
	}

	record.ErrorClass = errorClass.String
	record.ErrorMessage = errorMessage.String

	return &record, nil
}

// finishRun runs a guarded status update. When no row matched it tells a missing run apart
// from one that already reached a terminal status.
func finishRun(ctx context.Context, q querier, runID string, to pipeline.Status, query string, args ...any) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: failed to update run %s: %w", ErrSyncStoreFailed, runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrSyncStoreFailed, err)
	}

	if affected > 0 {
		return nil
	}

	var current string

	err = q.QueryRowContext(ctx, `SELECT status FROM run_state WHERE run_id = $1`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if err != nil {
		return fmt.Errorf("%w: failed to read run %s: %w", ErrSyncStoreFailed, runID, err)
	}

	return pipeline.ValidateTransition(pipeline.Status(current), to)
}

func applyRecordState(ctx context.Context, tx *sql.Tx, connectorID string, changes *diff.StateChanges) error {
	if len(changes.Upserts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO record_state (connector_id, doc_id, checksum, source_updated_at, last_seen_run_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (connector_id, doc_id)
			DO UPDATE SET checksum = EXCLUDED.checksum,
			              source_updated_at = EXCLUDED.source_updated_at,
			              last_seen_run_id = EXCLUDED.last_seen_run_id
		`)
		if err != nil {
			return err
		}

		defer func() {
			_ = stmt.Close()
		}()

		for _, state := range changes.Upserts {
			_, err := stmt.ExecContext(ctx, connectorID, state.DocID, state.Checksum,
				state.SourceUpdatedAt.UTC(), state.LastSeenRunID)
			if err != nil {
				return fmt.Errorf("doc %s: %w", state.DocID, err)
			}
		}
	}

	if len(changes.DeleteIDs) > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM record_state WHERE connector_id = $1 AND doc_id = ANY($2)
		`, connectorID, pq.Array(changes.DeleteIDs))
		if err != nil {
			return err
		}
	}

	return nil
}

func markBatchProcessed(ctx context.Context, tx *sql.Tx, batchID string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE push_batches SET status = 'PROCESSED' WHERE run_id = $1`, batchID); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE push_events SET processed = TRUE WHERE run_id = $1 AND processed = FALSE`, batchID)

	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// wrap tags err with ErrSyncStoreFailed, or ErrDatabaseUnavailable when the connection is gone.
func (s *SyncStore) wrap(msg string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection lost", slog.String("operation", msg), slog.String("error", err.Error()))

		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, msg, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrSyncStoreFailed, msg, err)
}
