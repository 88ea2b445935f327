package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
)

const fileAdapter = "file_pull"

// Row fields added by the file adapter.
const (
	FieldFilePath       = "file_path"
	FieldFileName       = "file_name"
	FieldFileMtime      = "file_mtime"
	FieldFileSize       = "file_size_bytes"
	FieldFileContentRaw = "file_content_raw"
	FieldFileRowsJSON   = "file_rows_json"
)

// FileExtractor reads delimited files from a local directory.
type FileExtractor struct{}

var _ Extractor = (*FileExtractor)(nil)

// NewFileExtractor returns a file adapter.
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{}
}

type sourceFile struct {
	path  string
	name  string
	mtime string
	size  int64
}

// Extract parses every matching file and returns the rows with a FileCheckpoint watermark.
func (e *FileExtractor) Extract(ctx context.Context, source *connector.Source, previous string) (*Result, error) {
	if err := validateFileSource(source); err != nil {
		return nil, err
	}

	root, err := filepath.Abs(source.Path)
	if err != nil {
		return nil, newError(fileAdapter, source, err, "invalid source.path")
	}

	files, err := listFiles(root, source.Glob)
	if err != nil {
		return nil, newError(fileAdapter, source, err, "cannot list files")
	}

	var rows []document.Row

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fileRows, err := readFile(file, source.CSV)
		if err != nil {
			return nil, newError(fileAdapter, source, err, "Unable to read CSV file %s", file.path)
		}

		rows = append(rows, fileRows...)
	}

	watermark, err := buildCheckpoint(rows, files, source.WatermarkField, PreviousRowWatermark(previous))
	if err != nil {
		return nil, newError(fileAdapter, source, err, "invalid checkpoint")
	}

	return &Result{Rows: rows, Watermark: watermark}, nil
}

func validateFileSource(source *connector.Source) error {
	switch {
	case source.Path == "":
		return newError(fileAdapter, source, nil, "source.path is required for file_pull mode")
	case source.Glob == "":
		return newError(fileAdapter, source, nil, "source.glob is required for file_pull mode")
	case strings.Contains(source.Glob, "**"):
		return newError(fileAdapter, source, nil, "source.glob must not be recursive (**)")
	case !strings.EqualFold(source.Format, "csv"):
		return newError(fileAdapter, source, nil, "source.format must be csv for file_pull mode")
	case source.CSV == nil:
		return newError(fileAdapter, source, nil, "source.csv is required for file_pull mode")
	}

	return nil
}

var (
	errPathMissing  = errors.New("source.path does not exist")
	errPathNotDir   = errors.New("source.path must be a directory")
	errInvalidGlob  = errors.New("source.glob is not a valid pattern")
	errBadDelimiter = errors.New("source.csv.delimiter must be a single character")
)

func listFiles(root, pattern string) ([]sourceFile, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errPathMissing
	}

	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return nil, errPathNotDir
	}

	matches, err := filepath.Glob(filepath.Join(escapeGlob(root), pattern))
	if err != nil {
		return nil, errInvalidGlob
	}

	sort.Strings(matches)

	files := make([]sourceFile, 0, len(matches))

	for _, match := range matches {
		stat, err := os.Stat(match)
		if err != nil {
			return nil, err
		}

		if !stat.Mode().IsRegular() {
			continue
		}

		files = append(files, sourceFile{
			path:  match,
			name:  filepath.Base(match),
			mtime: document.FormatTime(stat.ModTime().UTC()),
			size:  stat.Size(),
		})
	}

	return files, nil
}

// escapeGlob quotes pattern metacharacters so a directory such as "exports[2026]" is matched
// literally. Windows paths use \ as the separator and cannot be escaped.
func escapeGlob(path string) string {
	if runtime.GOOS == "windows" {
		return path
	}

	var b strings.Builder

	for _, r := range path {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

func readFile(file sourceFile, settings *connector.CSV) ([]document.Row, error) {
	raw, err := os.ReadFile(file.path)
	if err != nil {
		return nil, err
	}

	text, err := decodeText(raw, settings.Encoding)
	if err != nil {
		return nil, err
	}

	records, err := parseCSV(text, settings)
	if err != nil {
		return nil, err
	}

	if settings.DocumentMode == connector.DocumentPerFile {
		if records == nil {
			records = []document.Row{}
		}

		encoded, err := document.CanonicalJSON(records)
		if err != nil {
			return nil, err
		}

		row := document.Row{
			FieldFileContentRaw: text,
			FieldFileRowsJSON:   string(encoded),
		}
		file.annotate(row)

		return []document.Row{row}, nil
	}

	for _, row := range records {
		file.annotate(row)
	}

	return records, nil
}

func (f sourceFile) annotate(row document.Row) {
	row[FieldFilePath] = f.path
	row[FieldFileName] = f.name
	row[FieldFileMtime] = f.mtime
	row[FieldFileSize] = f.size
}

func parseCSV(text string, settings *connector.CSV) ([]document.Row, error) {
	delimiter := settings.Delimiter
	if delimiter == "" {
		delimiter = ","
	}

	if utf8.RuneCountInString(delimiter) != 1 {
		return nil, errBadDelimiter
	}

	comma, _ := utf8.DecodeRuneInString(delimiter)

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		header []string
		rows   []document.Row
	)

	if settings.Header() {
		first, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		header = first
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		rows = append(rows, recordToRow(header, record))
	}

	return rows, nil
}

// recordToRow keys fields by header name, or column_1..n when there is no header. Short
// records leave the trailing header columns nil and extra fields are dropped.
func recordToRow(header, record []string) document.Row {
	if header == nil {
		row := make(document.Row, len(record))
		for i, value := range record {
			row["column_"+strconv.Itoa(i+1)] = value
		}

		return row
	}

	row := make(document.Row, len(header))

	for i, name := range header {
		if i < len(record) {
			row[name] = record[i]
		} else {
			row[name] = nil
		}
	}

	return row
}

func buildCheckpoint(rows []document.Row, files []sourceFile, field, previousRow string) (string, error) {
	entries := make([]FileEntry, 0, len(files))

	var latest string

	for _, file := range files {
		entries = append(entries, FileEntry{Path: file.path, Mtime: file.mtime, Size: file.size})

		if file.mtime > latest {
			latest = file.mtime
		}
	}

	hash, err := ManifestHash(entries)
	if err != nil {
		return "", err
	}

	checkpoint := FileCheckpoint{
		FileCount:    len(files),
		ManifestHash: hash,
	}

	if rw := MaxWatermark(rows, field, previousRow); rw != "" {
		checkpoint.RowWatermark = &rw
	}

	if latest != "" {
		checkpoint.LatestMtime = &latest
	}

	return checkpoint.Encode()
}
