package extract

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"  // mysql sources
	_ "github.com/lib/pq"               // postgres sources
	_ "github.com/microsoft/go-mssqldb" // mssql sources

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
)

const sqlAdapter = "sql_pull"

// SQLExtractor runs the configured query against a relational source. The DSN is always
// taken from the secret named by source.secretRef.
type SQLExtractor struct {
	secrets secrets.Resolver
	open    func(driver, dsn string) (*sql.DB, error)
}

var _ Extractor = (*SQLExtractor)(nil)

// NewSQLExtractor returns an extractor that resolves DSNs through resolver.
func NewSQLExtractor(resolver secrets.Resolver) *SQLExtractor {
	return &SQLExtractor{secrets: resolver, open: sql.Open}
}

// Extract executes source.query with :watermark bound to previous (NULL when empty).
func (e *SQLExtractor) Extract(ctx context.Context, source *connector.Source, previous string) (*Result, error) {
	if source.Query == "" {
		return nil, newError(sqlAdapter, source, nil, "source.query is required for sql_pull mode")
	}

	if source.SecretRef == "" {
		return nil, newError(sqlAdapter, source, nil, "source.secretRef is required")
	}

	secret, err := e.secrets.Resolve(source.SecretRef)
	if err != nil {
		return nil, err
	}

	driver, dsn, err := driverFor(source.Type, secret)
	if err != nil {
		return nil, newError(sqlAdapter, source, err, "invalid connection settings")
	}

	db, err := e.open(driver, dsn)
	if err != nil {
		return nil, newError(sqlAdapter, source, err, "failed to open connection")
	}

	defer func() {
		_ = db.Close()
	}()

	query, argCount := bindWatermark(driver, source.Query)

	var bound any
	if previous != "" {
		bound = previous
	}

	args := make([]any, argCount)
	for i := range args {
		args[i] = bound
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(sqlAdapter, source, err, "query failed")
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, result, err := scanRows(rows)
	if err != nil {
		return nil, newError(sqlAdapter, source, err, "failed to read query results")
	}

	return &Result{
		Rows:      result,
		Columns:   columns,
		Watermark: MaxWatermark(result, source.WatermarkField, previous),
	}, nil
}

func scanRows(rows *sql.Rows) ([]string, []document.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var result []document.Row

	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))

		for i := range values {
			targets[i] = &values[i]
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, nil, err
		}

		row := make(document.Row, len(columns))

		for i, column := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[column] = string(raw)

				continue
			}

			row[column] = values[i]
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return columns, result, nil
}
