package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/document"
)

const (
	upsertLines = `{"doc_id":"kb:é","title":"Two","content":"b","updated_at":"2026-02-16T08:00:00.5Z","checksum":"sha256:two","op":"UPSERT"}

{"doc_id":"kb:1","title":"One","content":"a","updated_at":"2026-02-16T08:00:00Z","checksum":"sha256:one","op":"UPSERT"}`

	deleteLines = `{"doc_id":"kb:0","title":"","content":"","updated_at":"2026-02-16T09:30:00+02:00","checksum":"sha256:del","op":"DELETE"}`

	// sha256 of the canonical projection of the three documents above.
	wantDigest = "a03518f0217fc9402ca8d639e2488e693a5da30ec6e02567c04484c5ce13e799"
)

func writeArtifacts(t *testing.T, upserts, deletes string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	upsertsPath := filepath.Join(dir, "upserts.ndjson")
	deletesPath := filepath.Join(dir, "deletes.ndjson")

	require.NoError(t, os.WriteFile(upsertsPath, []byte(upserts), 0o600))
	require.NoError(t, os.WriteFile(deletesPath, []byte(deletes), 0o600))

	return upsertsPath, deletesPath
}

func TestDigestIsDeterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upsertsPath, deletesPath := writeArtifacts(t, upsertLines, deleteLines)

	first, err := Digest(upsertsPath, deletesPath, Options{})
	require.NoError(t, err)

	second, err := Digest("file://"+upsertsPath, "file://"+deletesPath, Options{})
	require.NoError(t, err)

	assert.Equal(t, wantDigest, first)
	assert.Equal(t, first, second)
}

func TestDigestIgnoresLineOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reordered := `{"doc_id":"kb:1","title":"Renamed","content":"changed","updated_at":"2026-02-16T08:00:00Z","checksum":"sha256:one","op":"UPSERT"}
{"doc_id":"kb:é","title":"Two","content":"b","updated_at":"2026-02-16T08:00:00.500000+00:00","checksum":"sha256:two","op":"UPSERT"}`

	upsertsPath, deletesPath := writeArtifacts(t, reordered, deleteLines)

	digest, err := Digest(upsertsPath, deletesPath, Options{})
	require.NoError(t, err)
	assert.Equal(t, wantDigest, digest, "only id, op, checksum and updated_at are digested")
}

func TestDigestMissingArtifacts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()

	digest, err := Digest(filepath.Join(dir, "none.ndjson"), filepath.Join(dir, "none2.ndjson"), Options{})
	require.NoError(t, err)
	assert.Equal(t, document.SHA256Hex([]byte("[]")), digest)
}

func TestDigestInvalidDocument(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upsertsPath, deletesPath := writeArtifacts(t, `{"doc_id":"kb:1"}`, "")

	_, err := Digest(upsertsPath, deletesPath, Options{})
	require.ErrorIs(t, err, document.ErrInvalidDocument)
	assert.Contains(t, err.Error(), "line 1")
}

func TestDigestFaultInjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upsertsPath, deletesPath := writeArtifacts(t, "", "")

	for _, step := range []string{StepLoadUpserts, StepLoadDeletes, StepDigest} {
		t.Run(step, func(t *testing.T) {
			_, err := Digest(upsertsPath, deletesPath, Options{FaultStep: step})

			var fault *FaultInjectionError
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, step, fault.Step)
			assert.Equal(t, "Injected fault at step: "+step, err.Error())
			assert.Equal(t, "FaultInjectionError", fault.Class())
		})
	}

	_, err := Digest(upsertsPath, deletesPath, Options{FaultStep: "publish"})
	require.NoError(t, err, "unknown steps never fire")
}
