package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// PersistentKeyStore implements APIKeyStore on the api_keys table. Keys are found through
// their SHA-256 lookup hash and verified against the stored bcrypt hash.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// NewPersistentKeyStore returns a key store on conn. Key lifecycle events are logged to logger.
func NewPersistentKeyStore(conn *Connection, logger *slog.Logger) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &PersistentKeyStore{conn: conn, logger: logger}, nil
}

// FindByKey returns the key matching key with its value masked. Lookup failures are logged
// and reported as not found.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	row := s.conn.QueryRowContext(ctx, `
		SELECT id, key_hash, name, connector_ids, active, created_at, expires_at
		FROM api_keys
		WHERE key_lookup = $1
	`, LookupHash(key))

	apiKey, hash, err := scanAPIKey(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("Failed to look up API key",
				slog.String("key", MaskKey(key)),
				slog.String("error", err.Error()))
		}

		return nil, false
	}

	if !CompareAPIKeyHash(hash, key) {
		return nil, false
	}

	apiKey.Key = MaskKey(key)

	return apiKey, true
}

// Add hashes apiKey.Key and stores the key.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" { // pragma: allowlist secret
		return ErrKeyNil
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	connectorIDs := apiKey.ConnectorIDs
	if connectorIDs == nil {
		connectorIDs = []string{}
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_lookup, name, connector_ids, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, apiKey.ID, keyHash, LookupHash(apiKey.Key), apiKey.Name, pq.Array(connectorIDs),
		apiKey.Active, apiKey.CreatedAt, apiKey.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyAlreadyExists
		}

		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.logger.Info("API key created",
		slog.String("key_id", apiKey.ID),
		slog.String("name", apiKey.Name),
		slog.Any("connector_ids", connectorIDs),
		slog.String("key", MaskKey(apiKey.Key)))

	return nil
}

// Delete deactivates a key. The row is kept for auditing.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.logger.Info("API key deactivated", slog.String("key_id", keyID))

	return nil
}

// ListByConnector returns the active keys that may push to connectorID, oldest first. Key
// values are not recoverable and are left empty.
func (s *PersistentKeyStore) ListByConnector(ctx context.Context, connectorID string) ([]*APIKey, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, key_hash, name, connector_ids, active, created_at, expires_at
		FROM api_keys
		WHERE active = TRUE AND ($1 = ANY(connector_ids) OR $2 = ANY(connector_ids))
		ORDER BY created_at
	`, connectorID, AllConnectors)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*APIKey{}

	for rows.Next() {
		apiKey, _, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}

		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

func scanAPIKey(row scanner) (*APIKey, string, error) {
	var (
		apiKey    APIKey
		hash      string
		expiresAt sql.NullTime
	)

	err := row.Scan(&apiKey.ID, &hash, &apiKey.Name, pq.Array(&apiKey.ConnectorIDs),
		&apiKey.Active, &apiKey.CreatedAt, &expiresAt)
	if err != nil {
		return nil, "", err
	}

	apiKey.CreatedAt = apiKey.CreatedAt.UTC()

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		apiKey.ExpiresAt = &t
	}

	return &apiKey, hash, nil
}
