package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ingestrelay/ingestrelay/internal/push"
)

// IdempotencyKey returns the stored idempotency key, or (nil, nil) when it was never used.
func (s *SyncStore) IdempotencyKey(ctx context.Context, key string) (*push.StoredKey, error) {
	var stored push.StoredKey

	err := s.conn.QueryRowContext(ctx, `
		SELECT connector_id, request_hash, response_json
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&stored.ConnectorID, &stored.RequestHash, &stored.Response)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, s.wrap("failed to load idempotency key", err)
	}

	return &stored, nil
}

// StageBatch stores the idempotency key, the batch and its events in one transaction. The key
// is inserted first with ON CONFLICT DO NOTHING, so a concurrent request that already holds the
// key makes this call return push.ErrKeyExists without staging anything.
func (s *SyncStore) StageBatch(ctx context.Context, batch *push.Batch) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("failed to begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, connector_id, request_hash, response_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, batch.IdempotencyKey, batch.ConnectorID, batch.RequestHash, string(batch.Response))
	if err != nil {
		return s.wrap("failed to store idempotency key", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return s.wrap("failed to get rows affected", err)
	}

	if inserted == 0 {
		return push.ErrKeyExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO push_batches (run_id, connector_id, idempotency_key, status, accepted, rejected)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, batch.RunID, batch.ConnectorID, batch.IdempotencyKey, pushBatchPending, batch.Accepted, batch.Rejected)
	if err != nil {
		return s.wrap("failed to store push batch", err)
	}

	if len(batch.Documents) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO push_events (run_id, connector_id, payload) VALUES ($1, $2, $3)
		`)
		if err != nil {
			return s.wrap("failed to prepare push event insert", err)
		}

		defer func() {
			_ = stmt.Close()
		}()

		for _, doc := range batch.Documents {
			payload, err := doc.MarshalLine()
			if err != nil {
				return fmt.Errorf("failed to encode pushed document %s: %w", doc.DocID, err)
			}

			if _, err := stmt.ExecContext(ctx, batch.RunID, batch.ConnectorID, string(payload)); err != nil {
				return s.wrap("failed to store push event", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return push.ErrKeyExists
		}

		return s.wrap("failed to commit push batch", err)
	}

	s.logger.Debug("Stored push batch",
		slog.String("connector_id", batch.ConnectorID),
		slog.String("run_id", batch.RunID),
		slog.Int("events", len(batch.Documents)))

	return nil
}
