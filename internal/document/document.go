// Package document defines the canonical document exchanged between extraction, diffing,
// publishing and the indexing sink.
package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Op is the change a document represents.
type Op string

const (
	OpUpsert Op = "UPSERT"
	OpDelete Op = "DELETE"
)

// DefaultMimeType applies when a mapping or pushed document does not set one.
const DefaultMimeType = "text/plain"

// ChecksumPrefix tags every checksum with its algorithm.
const ChecksumPrefix = "sha256:"

// Row is one raw source record. Values are JSON-compatible scalars, json.Number,
// time.Time, nested maps or slices.
type Row map[string]any

// Document is the sink-agnostic representation of one source record or deletion.
// URI is nil when the connector has no uri template.
type Document struct {
	DocID     string         `json:"doc_id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	URI       *string        `json:"uri"`
	MimeType  string         `json:"mime_type"`
	UpdatedAt time.Time      `json:"updated_at"`
	ACLUsers  []string       `json:"acl_users"`
	ACLGroups []string       `json:"acl_groups"`
	Metadata  map[string]any `json:"metadata"`
	Checksum  string         `json:"checksum"`
	Op        Op             `json:"op"`
}

// ErrInvalidDocument is returned by Decode for payloads that do not describe a document.
var ErrInvalidDocument = errors.New("invalid document")

// Checksum hashes the content-bearing fields of a document. UpdatedAt and Op are excluded so
// re-extracting unchanged data yields the same value.
func Checksum(docID, title, content string, uri *string, mimeType string,
	metadata map[string]any, aclUsers, aclGroups []string,
) (string, error) {
	payload := map[string]any{
		"doc_id":     docID,
		"title":      title,
		"content":    content,
		"uri":        uri,
		"mime_type":  mimeType,
		"metadata":   nonNilMap(metadata),
		"acl_users":  nonNilSlice(aclUsers),
		"acl_groups": nonNilSlice(aclGroups),
	}

	encoded, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode checksum payload: %w", err)
	}

	return ChecksumPrefix + SHA256Hex(encoded), nil
}

// DeleteChecksum is the checksum of a synthesized deletion. It hashes only the id, so it can
// never equal a content checksum, which hashes a JSON object.
func DeleteChecksum(docID string) string {
	return ChecksumPrefix + SHA256Hex([]byte(docID))
}

// SHA256Hex returns the lowercase hex sha256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// CanonicalJSON encodes v with sorted object keys, no HTML escaping and no trailing newline.
// Maps are the only key-ordered containers, so callers pass maps rather than structs.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// MarshalLine encodes d as one NDJSON line without the trailing newline.
func (d *Document) MarshalLine() ([]byte, error) {
	normalized := *d
	normalized.ACLUsers = nonNilSlice(d.ACLUsers)
	normalized.ACLGroups = nonNilSlice(d.ACLGroups)
	normalized.Metadata = nonNilMap(d.Metadata)
	normalized.UpdatedAt = d.UpdatedAt.UTC()

	return CanonicalJSON(normalized)
}

type wireDocument struct {
	DocID     *string        `json:"doc_id"`
	Title     *string        `json:"title"`
	Content   *string        `json:"content"`
	URI       *string        `json:"uri"`
	MimeType  *string        `json:"mime_type"`
	UpdatedAt *string        `json:"updated_at"`
	ACLUsers  []string       `json:"acl_users"`
	ACLGroups []string       `json:"acl_groups"`
	Metadata  map[string]any `json:"metadata"`
	Checksum  *string        `json:"checksum"`
	Op        *string        `json:"op"`
}

// Decode builds a Document from a JSON object, enforcing the required fields and value types.
// doc_id, title, content, updated_at, checksum and op are required; mime_type defaults to
// text/plain and the collections default to empty.
func Decode(raw []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var wire wireDocument
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: field %q is required", ErrInvalidDocument, field)
	}

	switch {
	case wire.DocID == nil:
		return nil, missing("doc_id")
	case wire.Title == nil:
		return nil, missing("title")
	case wire.Content == nil:
		return nil, missing("content")
	case wire.UpdatedAt == nil:
		return nil, missing("updated_at")
	case wire.Checksum == nil:
		return nil, missing("checksum")
	case wire.Op == nil:
		return nil, missing("op")
	}

	op := Op(*wire.Op)
	if op != OpUpsert && op != OpDelete {
		return nil, fmt.Errorf("%w: op must be UPSERT or DELETE, got %q", ErrInvalidDocument, *wire.Op)
	}

	updatedAt, err := ParseTime(*wire.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: updated_at: %w", ErrInvalidDocument, err)
	}

	mimeType := DefaultMimeType
	if wire.MimeType != nil {
		mimeType = *wire.MimeType
	}

	return &Document{
		DocID:     *wire.DocID,
		Title:     *wire.Title,
		Content:   *wire.Content,
		URI:       wire.URI,
		MimeType:  mimeType,
		UpdatedAt: updatedAt,
		ACLUsers:  nonNilSlice(wire.ACLUsers),
		ACLGroups: nonNilSlice(wire.ACLGroups),
		Metadata:  nonNilMap(wire.Metadata),
		Checksum:  *wire.Checksum,
		Op:        op,
	}, nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
