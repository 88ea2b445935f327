package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/config"
	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
)

func TestBindWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		driver    string
		query     string
		wantQuery string
		wantArgs  int
	}{
		{
			name:      "postgres with cast",
			driver:    "postgres",
			query:     "SELECT id::text FROM t WHERE updated_at > COALESCE(:watermark, '1970-01-01')::timestamptz",
			wantQuery: "SELECT id::text FROM t WHERE updated_at > COALESCE($1, '1970-01-01')::timestamptz",
			wantArgs:  1,
		},
		{
			name:      "mysql repeats placeholders",
			driver:    "mysql",
			query:     "SELECT * FROM t WHERE :watermark IS NULL OR updated_at > :watermark",
			wantQuery: "SELECT * FROM t WHERE ? IS NULL OR updated_at > ?",
			wantArgs:  2,
		},
		{
			name:      "sqlserver",
			driver:    "sqlserver",
			query:     "SELECT * FROM t WHERE updated_at > :watermark",
			wantQuery: "SELECT * FROM t WHERE updated_at > @p1",
			wantArgs:  1,
		},
		{
			name:      "quoted text and longer names untouched",
			driver:    "postgres",
			query:     "SELECT ':watermark' AS literal, :watermark_extra FROM t",
			wantQuery: "SELECT ':watermark' AS literal, :watermark_extra FROM t",
			wantArgs:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := bindWatermark(tt.driver, tt.query)
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestDriverFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	driver, dsn, err := driverFor(connector.SourcePostgres, "postgresql+psycopg://u:p@db:5432/app")
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://u:p@db:5432/app", dsn)

	driver, dsn, err = driverFor(connector.SourceMySQL, "mysql+pymysql://u:p@db/app")
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "u:p@tcp(db:3306)/app?parseTime=true", dsn)

	driver, dsn, err = driverFor(connector.SourceMSSQL, "mssql+pyodbc://u:p@db:1433/app?driver=ODBC")
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", driver)
	assert.Equal(t, "sqlserver://u:p@db:1433?database=app", dsn)

	_, _, err = driverFor(connector.SourceHTTP, "x")
	assert.Error(t, err)
}

func TestMaxWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t1 := time.Date(2026, 2, 16, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Minute)
	rows := []document.Row{{"id": 1, "updated_at": t1}, {"id": 2, "updated_at": t2}}

	assert.Equal(t, "2026-02-16T08:30:00+00:00", MaxWatermark(rows, "updated_at", ""))
	assert.Equal(t, "2026-02-16T08:30:00+00:00", MaxWatermark(rows, "updated_at", "2026-01-01T00:00:00+00:00"))
	assert.Equal(t, "2026-03-01T00:00:00+00:00", MaxWatermark(rows, "updated_at", "2026-03-01T00:00:00+00:00"))
	assert.Equal(t, "prev", MaxWatermark(nil, "updated_at", "prev"))
	assert.Equal(t, "prev", MaxWatermark(rows, "", "prev"))
	assert.Equal(t, "prev", MaxWatermark([]document.Row{{"updated_at": nil}}, "updated_at", "prev"))
}

func TestSQLExtractorValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	extractor := NewSQLExtractor(secrets.StaticResolver{})
	ctx := context.Background()

	_, err := extractor.Extract(ctx, &connector.Source{Type: connector.SourcePostgres, SecretRef: "db"}, "")

	var extractErr *Error
	require.True(t, errors.As(err, &extractErr))
	assert.Contains(t, err.Error(), "source.query is required for sql_pull mode")

	_, err = extractor.Extract(ctx, &connector.Source{Type: connector.SourcePostgres, Query: "SELECT 1", SecretRef: "db"}, "")

	var resolution *secrets.ResolutionError
	assert.True(t, errors.As(err, &resolution))
}

func TestSQLExtractorPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	_, err := testDB.Connection.ExecContext(ctx, `
		CREATE TABLE articles (id INTEGER PRIMARY KEY, title TEXT, body BYTEA, updated_at TIMESTAMPTZ);
		INSERT INTO articles VALUES
			(1, 'First', 'one', '2026-02-16T08:00:00Z'),
			(2, 'Second', 'two', '2026-02-16T09:00:00Z');
	`)
	require.NoError(t, err)

	extractor := NewSQLExtractor(secrets.StaticResolver{"articles-db": testDB.URL})
	source := &connector.Source{
		Type:           connector.SourcePostgres,
		SecretRef:      "articles-db",
		Query:          "SELECT id, title, body, updated_at FROM articles WHERE :watermark::timestamptz IS NULL OR updated_at > :watermark::timestamptz ORDER BY id",
		WatermarkField: "updated_at",
	}

	first, err := extractor.Extract(ctx, source, "")
	require.NoError(t, err)
	require.Len(t, first.Rows, 2)
	assert.Equal(t, "one", first.Rows[0]["body"])
	assert.Equal(t, []string{"id", "title", "body", "updated_at"}, first.Columns)
	assert.Equal(t, "2026-02-16T09:00:00+00:00", first.Watermark)

	second, err := extractor.Extract(ctx, source, first.Watermark)
	require.NoError(t, err)
	assert.Empty(t, second.Rows)
	assert.Equal(t, first.Watermark, second.Watermark)
}
