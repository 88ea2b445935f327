package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256 of "[]", the digest of two empty artifacts.
const emptyDigest = "4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.Execute()

	return stdout.String(), err
}

func emptyArtifacts(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	upserts := filepath.Join(dir, "upserts.ndjson")
	deletes := filepath.Join(dir, "deletes.ndjson")

	require.NoError(t, os.WriteFile(upserts, nil, 0o600))
	require.NoError(t, os.WriteFile(deletes, nil, 0o600))

	return upserts, deletes
}

func TestReplayCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upserts, deletes := emptyArtifacts(t)

	out, err := execute(t, "replay", "--upserts", upserts, "--deletes", "file://"+deletes)
	require.NoError(t, err)
	assert.JSONEq(t, `{"digest":"`+emptyDigest+`"}`, out)
}

func TestReplayCommandExpectedDigest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upserts, deletes := emptyArtifacts(t)
	digestFile := filepath.Join(t.TempDir(), "digest.txt")

	out, err := execute(t, "replay", "--upserts", upserts, "--deletes", deletes,
		"--expected-digest", emptyDigest, "--write-digest", digestFile)
	require.NoError(t, err)

	var result replayOutput
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.Passed)
	assert.True(t, *result.Passed)

	written, err := os.ReadFile(digestFile)
	require.NoError(t, err)
	assert.Equal(t, emptyDigest, string(written))

	out, err = execute(t, "replay", "--upserts", upserts, "--deletes", deletes, "--expected-digest", "abc")
	require.ErrorIs(t, err, ErrDigestMismatch)
	assert.JSONEq(t, `{"digest":"`+emptyDigest+`","expected_digest":"abc","passed":false}`, out)
}

func TestReplayCommandFaultStep(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upserts, deletes := emptyArtifacts(t)

	out, err := execute(t, "replay", "--upserts", upserts, "--deletes", deletes, "--fault-step", "digest")
	require.EqualError(t, err, "Injected fault at step: digest")
	assert.Empty(t, out)
}

func TestRequiredFlags(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		args []string
	}{
		{name: "run without connector", args: []string{"run"}},
		{name: "replay without deletes", args: []string{"replay", "--upserts", "x"}},
		{name: "keys create without name", args: []string{"keys", "create", "--connector", "kb"}},
		{name: "runs without connector id", args: []string{"runs"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "required flag")
		})
	}
}

func TestMissingSettingsFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upserts, deletes := emptyArtifacts(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.toml"),
		"replay", "--upserts", upserts, "--deletes", deletes)
	require.Error(t, err, "an explicit --config must exist")
}

func TestVersion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
