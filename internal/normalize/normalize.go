// Package normalize projects raw source rows onto canonical documents.
package normalize

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/safety"
)

// Error reports a row that cannot be turned into a document.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Class identifies the error in run records.
func (e *Error) Class() string {
	return "NormalizationError"
}

// Normalizer renders documents for one connector mapping. Templates use Go template syntax
// with row fields addressed as {{ .field }}; referencing a field the row lacks is an error.
type Normalizer struct {
	connectorID    string
	mapping        connector.Mapping
	watermarkField string
	content        *template.Template
	uri            *template.Template
	now            func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the time used for rows without a usable watermark value.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// New compiles the mapping templates.
func New(connectorID string, mapping connector.Mapping, watermarkField string, opts ...Option) (*Normalizer, error) {
	content, err := compile("content", mapping.ContentTemplate)
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		connectorID:    connectorID,
		mapping:        mapping,
		watermarkField: watermarkField,
		content:        content,
		now:            time.Now,
	}

	if mapping.URITemplate != "" {
		if n.uri, err = compile("uri", mapping.URITemplate); err != nil {
			return nil, err
		}
	}

	if n.mapping.MimeType == "" {
		n.mapping.MimeType = document.DefaultMimeType
	}

	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

func compile(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("invalid %s template", name), Err: err}
	}

	return tmpl, nil
}

// Normalize converts rows in order. The first failing row aborts the batch.
func (n *Normalizer) Normalize(rows []document.Row) ([]*document.Document, error) {
	docs := make([]*document.Document, 0, len(rows))

	for _, row := range rows {
		doc, err := n.Document(row)
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// Document converts a single row.
func (n *Normalizer) Document(row document.Row) (*document.Document, error) {
	idValue, ok := row[n.mapping.IDField]
	if !ok {
		return nil, &Error{Message: fmt.Sprintf("Missing id field '%s' in source record", n.mapping.IDField)}
	}

	titleValue, ok := row[n.mapping.TitleField]
	if !ok {
		return nil, &Error{Message: fmt.Sprintf("Missing title field '%s' in source record", n.mapping.TitleField)}
	}

	docID := n.connectorID + ":" + document.Stringify(idValue)
	data := templateData(row)

	content, err := render(n.content, data)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("cannot render content for %s", docID), Err: err}
	}

	var uri *string

	if n.uri != nil {
		rendered, err := render(n.uri, data)
		if err != nil {
			return nil, &Error{Message: fmt.Sprintf("cannot render uri for %s", docID), Err: err}
		}

		uri = &rendered
	}

	updatedAt, err := n.updatedAt(row)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("invalid %s for %s", n.watermarkField, docID), Err: err}
	}

	metadata := map[string]any{"connector_id": n.connectorID}

	for _, field := range n.mapping.MetadataFields {
		if value, ok := row[field]; ok {
			metadata[field] = value
		}
	}

	doc := &document.Document{
		DocID:     docID,
		Title:     document.Stringify(titleValue),
		Content:   content,
		URI:       uri,
		MimeType:  n.mapping.MimeType,
		UpdatedAt: updatedAt,
		ACLUsers:  n.acl(row, n.mapping.ACLUsersField),
		ACLGroups: n.acl(row, n.mapping.ACLGroupsField),
		Metadata:  metadata,
		Op:        document.OpUpsert,
	}

	if err := safety.Check(doc.Title, doc.Content); err != nil {
		return nil, err
	}

	doc.Checksum, err = document.Checksum(doc.DocID, doc.Title, doc.Content, doc.URI, doc.MimeType,
		doc.Metadata, doc.ACLUsers, doc.ACLGroups)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("cannot compute checksum for %s", docID), Err: err}
	}

	return doc, nil
}

func (n *Normalizer) updatedAt(row document.Row) (time.Time, error) {
	if n.watermarkField == "" {
		return n.now().UTC(), nil
	}

	t, ok, err := document.AsTime(row[n.watermarkField])
	if err != nil {
		return time.Time{}, err
	}

	if !ok {
		return n.now().UTC(), nil
	}

	return t, nil
}

func (n *Normalizer) acl(row document.Row, field string) []string {
	if field == "" {
		return []string{}
	}

	switch v := row[field].(type) {
	case nil:
		return []string{}
	case string:
		return []string{v}
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if item != nil {
				out = append(out, document.Stringify(item))
			}
		}

		return out
	default:
		return []string{document.Stringify(v)}
	}
}

// templateData presents row values the way they would appear in a document: instants in
// ISO 8601 and nulls as empty text.
func templateData(row document.Row) map[string]any {
	data := make(map[string]any, len(row))

	for key, value := range row {
		switch v := value.(type) {
		case nil:
			data[key] = ""
		case time.Time:
			data[key] = document.FormatTime(v)
		default:
			data[key] = value
		}
	}

	return data
}

func render(tmpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
