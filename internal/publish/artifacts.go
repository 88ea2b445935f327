package publish

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"sort"
	"strings"

	"github.com/ingestrelay/ingestrelay/internal/document"
)

// CanonicalNDJSON encodes docs one per line, joined by newlines with no trailing newline.
func CanonicalNDJSON(docs []*document.Document) ([]byte, error) {
	lines := make([][]byte, 0, len(docs))

	for _, doc := range docs {
		line, err := doc.MarshalLine()
		if err != nil {
			return nil, err
		}

		lines = append(lines, line)
	}

	return bytes.Join(lines, []byte("\n")), nil
}

// DiscoveryNDJSON encodes docs in the Discovery Engine document import schema. Documents with
// blank content carry their title, or failing that their id, since the sink rejects empty bodies.
func DiscoveryNDJSON(docs []*document.Document) ([]byte, error) {
	lines := make([][]byte, 0, len(docs))

	for _, doc := range docs {
		line, err := document.CanonicalJSON(discoveryDocument(doc))
		if err != nil {
			return nil, err
		}

		lines = append(lines, line)
	}

	return bytes.Join(lines, []byte("\n")), nil
}

func discoveryDocument(doc *document.Document) map[string]any {
	aclUsers := doc.ACLUsers
	if aclUsers == nil {
		aclUsers = []string{}
	}

	aclGroups := doc.ACLGroups
	if aclGroups == nil {
		aclGroups = []string{}
	}

	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return map[string]any{
		"id": document.SinkID(doc.DocID),
		"structData": map[string]any{
			"doc_id":     doc.DocID,
			"title":      doc.Title,
			"uri":        doc.URI,
			"updated_at": document.FormatTime(doc.UpdatedAt),
			"acl_users":  aclUsers,
			"acl_groups": aclGroups,
			"metadata":   metadata,
			"checksum":   doc.Checksum,
		},
		"content": map[string]any{
			"mimeType": doc.MimeType,
			"rawBytes": base64.StdEncoding.EncodeToString([]byte(nonEmptyContent(doc))),
		},
	}
}

func nonEmptyContent(doc *document.Document) string {
	switch {
	case strings.TrimSpace(doc.Content) != "":
		return doc.Content
	case strings.TrimSpace(doc.Title) != "":
		return doc.Title
	default:
		return doc.DocID
	}
}

// CSVSnapshot renders rows with a header. Columns come first in the given order, followed by
// any other keys found in rows, sorted. Lines end in CRLF.
func CSVSnapshot(columns []string, rows []document.Row) ([]byte, error) {
	header := csvHeader(columns, rows)

	var buf bytes.Buffer

	writer := csv.NewWriter(&buf)
	writer.UseCRLF = true

	if err := writer.Write(header); err != nil {
		return nil, err
	}

	record := make([]string, len(header))

	for _, row := range rows {
		for i, key := range header {
			record[i] = document.Stringify(row[key])
		}

		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func csvHeader(columns []string, rows []document.Row) []string {
	header := make([]string, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))

	for _, column := range columns {
		if _, ok := seen[column]; !ok {
			seen[column] = struct{}{}
			header = append(header, column)
		}
	}

	var extra []string

	for _, row := range rows {
		for key := range row {
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				extra = append(extra, key)
			}
		}
	}

	sort.Strings(extra)

	return append(header, extra...)
}
