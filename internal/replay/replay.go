// Package replay recomputes a digest over published upsert and delete artifacts. Two reads of
// the same artifacts always produce the same digest, so differing digests reveal
// nondeterministic publishing.
package replay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/objectstore"
)

// Named steps at which a fault can be injected.
const (
	StepLoadUpserts = "load_upserts"
	StepLoadDeletes = "load_deletes"
	StepDigest      = "digest"
)

const maxLineSize = 64 << 20

// FaultInjectionError is returned when the configured fault step is reached.
type FaultInjectionError struct {
	Step string
}

func (e *FaultInjectionError) Error() string {
	return "Injected fault at step: " + e.Step
}

// Class identifies the error in run records.
func (e *FaultInjectionError) Class() string {
	return "FaultInjectionError"
}

// Options tune a replay.
type Options struct {
	// FaultStep fails the replay with a FaultInjectionError on reaching the named step.
	FaultStep string
}

type entry struct {
	docID     string
	op        string
	checksum  string
	updatedAt string
}

// Digest reads the artifacts at upsertsPath and deletesPath and returns the hex sha256 of
// their canonical projection. Paths are local or file:// URIs; a missing file reads as empty.
func Digest(upsertsPath, deletesPath string, opts Options) (string, error) {
	upserts, err := load(upsertsPath, StepLoadUpserts, opts.FaultStep)
	if err != nil {
		return "", err
	}

	deletes, err := load(deletesPath, StepLoadDeletes, opts.FaultStep)
	if err != nil {
		return "", err
	}

	if err := inject(StepDigest, opts.FaultStep); err != nil {
		return "", err
	}

	entries := append(upserts, deletes...)

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.op != b.op {
			return a.op < b.op
		}

		if a.docID != b.docID {
			return a.docID < b.docID
		}

		return a.checksum < b.checksum
	})

	return document.SHA256Hex(encode(entries)), nil
}

func inject(step, faultStep string) error {
	if faultStep != "" && step == faultStep {
		return &FaultInjectionError{Step: step}
	}

	return nil
}

func load(path, step, faultStep string) ([]entry, error) {
	if err := inject(step, faultStep); err != nil {
		return nil, err
	}

	if strings.HasPrefix(path, objectstore.SchemeFile) {
		local, err := objectstore.LocalPath(path)
		if err != nil {
			return nil, err
		}

		path = local
	}

	f, err := os.Open(path) // #nosec G304 - artifact paths come from the operator
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", path, err)
	}

	defer func() {
		_ = f.Close()
	}()

	var entries []entry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		doc, err := document.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid document on line %d of %s: %w", line, path, err)
		}

		entries = append(entries, entry{
			docID:     doc.DocID,
			op:        string(doc.Op),
			checksum:  doc.Checksum,
			updatedAt: document.FormatTime(doc.UpdatedAt),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}

	return entries, nil
}

// encode renders entries as a JSON array of objects with sorted keys, ", " and ": "
// separators and every non-ASCII character escaped, keeping digests stable across tools.
func encode(entries []entry) []byte {
	var buf bytes.Buffer

	buf.WriteByte('[')

	for i, e := range entries {
		if i > 0 {
			buf.WriteString(", ")
		}

		buf.WriteString(`{"checksum": `)
		writeASCIIString(&buf, e.checksum)
		buf.WriteString(`, "doc_id": `)
		writeASCIIString(&buf, e.docID)
		buf.WriteString(`, "op": `)
		writeASCIIString(&buf, e.op)
		buf.WriteString(`, "updated_at": `)
		writeASCIIString(&buf, e.updatedAt)
		buf.WriteByte('}')
	}

	buf.WriteByte(']')

	return buf.Bytes()
}

func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')

	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r < 0x20 || (r > 0x7f && r <= 0xffff):
			fmt.Fprintf(buf, `\u%04x`, r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			buf.WriteRune(r)
		}
	}

	buf.WriteByte('"')
}
