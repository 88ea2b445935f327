package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ingestrelay/ingestrelay/internal/document"
)

const (
	checkpointVersion = 1

	// MaxCheckpointLength bounds the serialized file checkpoint so it fits the watermark column.
	MaxCheckpointLength = 255
)

// ErrCheckpointTooLong is returned when a file checkpoint cannot be stored compactly.
var ErrCheckpointTooLong = errors.New("file checkpoint exceeded 255 characters")

// FileCheckpoint is the watermark envelope for directory sources.
type FileCheckpoint struct {
	Version      int     `json:"v"`
	RowWatermark *string `json:"rw"`
	FileCount    int     `json:"fc"`
	LatestMtime  *string `json:"lm"`
	ManifestHash string  `json:"fh"`
}

// FileEntry is one file taken into account for a checkpoint.
type FileEntry struct {
	Path  string `json:"path"`
	Mtime string `json:"mtime"`
	Size  int64  `json:"size"`
}

// ManifestHash hashes the sorted file listing so changes to the directory are detectable
// even when no row watermark moves.
func ManifestHash(entries []FileEntry) (string, error) {
	if entries == nil {
		entries = []FileEntry{}
	}

	raw, err := document.CanonicalJSON(entries)
	if err != nil {
		return "", err
	}

	return document.ChecksumPrefix + document.SHA256Hex(raw), nil
}

// Encode serializes the checkpoint, failing when it would exceed MaxCheckpointLength
// characters. Characters are counted, not bytes, and HTML characters are left unescaped.
func (c FileCheckpoint) Encode() (string, error) {
	c.Version = checkpointVersion

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(c); err != nil {
		return "", err
	}

	encoded := strings.TrimSuffix(buf.String(), "\n")

	if length := utf8.RuneCountInString(encoded); length > MaxCheckpointLength {
		return "", fmt.Errorf("%w (got %d)", ErrCheckpointTooLong, length)
	}

	return encoded, nil
}

// PreviousRowWatermark extracts the row watermark from a stored checkpoint. Values that are
// not a version 1 envelope, including plain timestamps written before envelopes existed, are
// returned verbatim.
func PreviousRowWatermark(previous string) string {
	trimmed := strings.TrimSpace(previous)
	if !strings.HasPrefix(trimmed, "{") {
		return previous
	}

	var envelope struct {
		Version *int    `json:"v"`
		Row     *string `json:"rw"`
	}

	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return previous
	}

	if envelope.Version == nil || *envelope.Version != checkpointVersion {
		return previous
	}

	if envelope.Row == nil {
		return ""
	}

	return *envelope.Row
}
