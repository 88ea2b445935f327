// Package secrets resolves secret references to values held in the process environment.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvPrefix is prepended to every normalized secret reference.
const EnvPrefix = "SECRET_"

// Resolver turns a secret reference into its value.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// ResolutionError reports a reference with no backing value.
type ResolutionError struct {
	Ref string
	Key string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("Missing secret for '%s'. Expected environment variable %s.", e.Ref, e.Key)
}

// Class identifies the error in run records.
func (e *ResolutionError) Class() string {
	return "SecretResolutionError"
}

// EnvResolver reads SECRET_<REF> variables. Lookup defaults to os.LookupEnv.
type EnvResolver struct {
	Lookup func(key string) (string, bool)
}

var _ Resolver = (*EnvResolver)(nil)

// NewEnvResolver returns a resolver backed by the process environment.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{Lookup: os.LookupEnv}
}

// EnvKey maps a reference such as "kb-api.token" to SECRET_KB_API_TOKEN.
func EnvKey(ref string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_")

	return EnvPrefix + strings.ToUpper(replacer.Replace(ref))
}

// Resolve returns the value for ref or a *ResolutionError when it is unset or empty.
func (r *EnvResolver) Resolve(ref string) (string, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	key := EnvKey(ref)

	value, ok := lookup(key)
	if !ok || value == "" {
		return "", &ResolutionError{Ref: ref, Key: key}
	}

	return value, nil
}

// StaticResolver serves secrets from a fixed map.
type StaticResolver map[string]string

var _ Resolver = StaticResolver(nil)

// Resolve returns the mapped value or a *ResolutionError.
func (s StaticResolver) Resolve(ref string) (string, error) {
	if value, ok := s[ref]; ok {
		return value, nil
	}

	return "", &ResolutionError{Ref: ref, Key: EnvKey(ref)}
}
