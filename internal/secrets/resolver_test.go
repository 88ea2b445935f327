package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvResolver(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("SECRET_KB_API_TOKEN", "s3cr3t")

	resolver := NewEnvResolver()

	value, err := resolver.Resolve("kb-api.token")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", value)

	_, err = resolver.Resolve("missing/ref")

	var resolution *ResolutionError
	require.True(t, errors.As(err, &resolution))
	assert.Equal(t, "SECRET_MISSING_REF", resolution.Key)
	assert.Equal(t, "Missing secret for 'missing/ref'. Expected environment variable SECRET_MISSING_REF.", err.Error())
	assert.Equal(t, "SecretResolutionError", resolution.Class())
}

func TestStaticResolver(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	resolver := StaticResolver{"db": "postgres://u:p@h/db"}

	value, err := resolver.Resolve("db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h/db", value)

	_, err = resolver.Resolve("other")
	assert.Error(t, err)
}
