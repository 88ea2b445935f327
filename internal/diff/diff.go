// Package diff decides which documents changed since the last successful run.
package diff

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
)

// RecordState is what the sink is believed to hold for one document.
type RecordState struct {
	DocID           string
	Checksum        string
	SourceUpdatedAt time.Time
	LastSeenRunID   string
}

// StateReader loads the tracked documents of a connector keyed by doc id.
type StateReader interface {
	RecordStates(ctx context.Context, connectorID string) (map[string]RecordState, error)
}

// Result is the change set of one run.
type Result struct {
	Upserts []*document.Document
	Deletes []*document.Document
}

// Engine compares current documents with persisted record state.
type Engine struct {
	states StateReader
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time stamped on synthesized hard deletes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine returns an engine reading state from states.
func NewEngine(states StateReader, opts ...Option) *Engine {
	e := &Engine{states: states, now: time.Now}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Compute returns the documents whose checksum is new or changed, plus synthesized deletes
// for tracked ids missing from current according to policy. Deletes are ordered by doc id.
func (e *Engine) Compute(
	ctx context.Context,
	connectorID string,
	current []*document.Document,
	policy connector.DeletePolicy,
) (*Result, error) {
	previous, err := e.states.RecordStates(ctx, connectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record state for %s: %w", connectorID, err)
	}

	result := &Result{}
	seen := make(map[string]struct{}, len(current))

	for _, doc := range current {
		seen[doc.DocID] = struct{}{}

		if prior, ok := previous[doc.DocID]; !ok || prior.Checksum != doc.Checksum {
			result.Upserts = append(result.Upserts, doc)
		}
	}

	if policy == connector.DeleteNever {
		return result, nil
	}

	missing := make([]string, 0)

	for docID := range previous {
		if _, ok := seen[docID]; !ok {
			missing = append(missing, docID)
		}
	}

	sort.Strings(missing)

	for _, docID := range missing {
		switch policy {
		case connector.DeleteSoftOnly:
			result.Deletes = append(result.Deletes,
				Tombstone(connectorID, docID, previous[docID].SourceUpdatedAt, true))
		case connector.DeleteAutoMissing:
			result.Deletes = append(result.Deletes,
				Tombstone(connectorID, docID, e.now().UTC(), false))
		}
	}

	return result, nil
}

// Tombstone builds the content-free DELETE document for docID.
func Tombstone(connectorID, docID string, updatedAt time.Time, soft bool) *document.Document {
	metadata := map[string]any{"connector_id": connectorID}
	if soft {
		metadata["soft_delete"] = true
	}

	return &document.Document{
		DocID:     docID,
		MimeType:  document.DefaultMimeType,
		UpdatedAt: updatedAt,
		ACLUsers:  []string{},
		ACLGroups: []string{},
		Metadata:  metadata,
		Checksum:  document.DeleteChecksum(docID),
		Op:        document.OpDelete,
	}
}

// StateChanges is the record-state mutation of a successful run.
type StateChanges struct {
	Upserts   []RecordState
	DeleteIDs []string
}

// Changes turns a run's upserts and deletes into record-state mutations. Every delete clears
// its row regardless of whether it was soft.
func Changes(runID string, upserts, deletes []*document.Document) StateChanges {
	changes := StateChanges{
		Upserts:   make([]RecordState, 0, len(upserts)),
		DeleteIDs: make([]string, 0, len(deletes)),
	}

	for _, doc := range upserts {
		changes.Upserts = append(changes.Upserts, RecordState{
			DocID:           doc.DocID,
			Checksum:        doc.Checksum,
			SourceUpdatedAt: doc.UpdatedAt,
			LastSeenRunID:   runID,
		})
	}

	for _, doc := range deletes {
		changes.DeleteIDs = append(changes.DeleteIDs, doc.DocID)
	}

	return changes
}

// MemoryStates is an in-memory StateReader that can apply StateChanges. It backs dry runs and
// tests.
type MemoryStates map[string]map[string]RecordState

var _ StateReader = MemoryStates(nil)

// RecordStates returns a copy of the tracked documents for connectorID.
func (m MemoryStates) RecordStates(_ context.Context, connectorID string) (map[string]RecordState, error) {
	out := make(map[string]RecordState, len(m[connectorID]))
	for id, state := range m[connectorID] {
		out[id] = state
	}

	return out, nil
}

// Apply commits changes for connectorID.
func (m MemoryStates) Apply(connectorID string, changes StateChanges) {
	states, ok := m[connectorID]
	if !ok {
		states = make(map[string]RecordState)
		m[connectorID] = states
	}

	for _, state := range changes.Upserts {
		states[state.DocID] = state
	}

	for _, id := range changes.DeleteIDs {
		delete(states, id)
	}
}
