// Package pipeline runs one connector sync end to end: extract or claim pushed documents,
// normalize, diff, publish, ingest, and commit.
//
// Run state machine:
//
//	RUNNING ──▶ SUCCESS
//	   │
//	   └─────▶ FAILED
//
// Record state, the checkpoint, the push batch flag and the SUCCESS status are committed in
// one transaction after publishing and ingestion succeed. A failed run leaves all of them as
// they were, so the next invocation reprocesses the same window.
package pipeline

import (
	"context"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/diff"
	"github.com/ingestrelay/ingestrelay/internal/document"
)

// Store defines the persistence the orchestrator needs. internal/storage provides the
// PostgreSQL implementation.
//
// Implementations must reject finalizing a run that is no longer RUNNING with
// ErrTerminalState and leave every row untouched in that case.
type Store interface {
	diff.StateReader

	// StartRun records a new RUNNING run. It returns ErrRunExists when runID was used before.
	StartRun(ctx context.Context, connectorID, runID string, startedAt time.Time) error

	// Checkpoint returns the committed watermark of a connector, or "" when there is none.
	Checkpoint(ctx context.Context, connectorID string) (string, error)

	// ClaimPushBatch returns the oldest pending push batch of a connector, optionally
	// restricted to runID, with its unprocessed documents in staging order. It returns
	// (nil, nil) when nothing is pending. The batch stays pending until CommitRun marks it.
	ClaimPushBatch(ctx context.Context, connectorID, runID string) (*PushBatch, error)

	// CommitRun applies a successful run atomically.
	CommitRun(ctx context.Context, commit *Commit) error

	// FailRun marks a RUNNING run FAILED with the error class and message.
	FailRun(ctx context.Context, runID, errorClass, errorMessage string, finishedAt time.Time) error
}

// PushBatch is a set of pushed documents staged under one run id.
type PushBatch struct {
	RunID     string
	Documents []*document.Document
}

// Commit describes everything a successful run persists.
type Commit struct {
	ConnectorID string
	RunID       string

	// State is nil for tabular exports, which do not track records.
	State *diff.StateChanges

	// AdvanceCheckpoint is false when the run must leave the checkpoint alone.
	AdvanceCheckpoint bool
	Watermark         string

	// PushBatchID names the push batch to mark processed, "" for pull runs.
	PushBatchID string

	Upserts    int
	Deletes    int
	FinishedAt time.Time
}
