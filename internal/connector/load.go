package connector

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ValidationError collects every problem found in a connector document.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	prefix := "Connector validation failed"
	if e.Path != "" {
		prefix += " for " + e.Path
	}

	return prefix + ": " + strings.Join(e.Problems, "; ")
}

// Class identifies the error in run records.
func (e *ValidationError) Class() string {
	return "ConfigurationError"
}

// ErrReadConnector is returned when the connector file cannot be read or parsed.
var ErrReadConnector = errors.New("failed to read connector")

// Load reads, defaults and validates the connector at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - connector paths come from operators
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrReadConnector, path, err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		var validation *ValidationError
		if errors.As(err, &validation) {
			validation.Path = path
		}

		return nil, err
	}

	return cfg, nil
}

// Parse decodes a connector document, applies defaults and validates it.
// Unknown fields are rejected so typos fail at load time.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadConnector, err)
	}

	cfg.applyDefaults()

	if problems := cfg.validate(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Spec

	if s.Source.Method == "" {
		s.Source.Method = "GET"
	}

	s.Source.Method = strings.ToUpper(s.Source.Method)

	if s.Output.Format == "" {
		s.Output.Format = FormatNDJSON
	}

	if s.Reconciliation.DeletePolicy == "" {
		s.Reconciliation.DeletePolicy = DeleteAutoMissing
	}

	if s.Mapping != nil && s.Mapping.MimeType == "" {
		s.Mapping.MimeType = "text/plain"
	}

	if o := s.Source.OAuth; o != nil {
		if o.GrantType == "" {
			o.GrantType = GrantClientCredentials
		}

		if o.ClientAuthMethod == "" {
			o.ClientAuthMethod = ClientSecretPost
		}
	}

	if csv := s.Source.CSV; csv != nil {
		if csv.DocumentMode == "" {
			csv.DocumentMode = DocumentPerRow
		}

		if csv.Delimiter == "" {
			csv.Delimiter = ","
		}

		if csv.Encoding == "" {
			csv.Encoding = "utf-8"
		}
	}
}

var sourceTypesByMode = map[Mode][]SourceType{
	ModeSQLPull:  {SourcePostgres, SourceMSSQL, SourceMySQL},
	ModeRESTPull: {SourceHTTP},
	ModeRESTPush: {SourceHTTP},
	ModeFilePull: {SourceFile},
}

func (c *Config) validate() []string {
	var problems []string

	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.APIVersion == "" {
		add("apiVersion is required")
	}

	if c.Kind != "Connector" {
		add("kind must be Connector")
	}

	if strings.TrimSpace(c.Metadata.Name) == "" {
		add("metadata.name is required")
	}

	s := &c.Spec

	allowed, ok := sourceTypesByMode[s.Mode]
	if !ok {
		add("spec.mode must be one of sql_pull, rest_pull, file_pull, rest_push")
	} else if !containsType(allowed, s.Source.Type) {
		add("source.type must be %s for %s mode", joinTypes(allowed), s.Mode)
	}

	if (s.Mode == ModeSQLPull || s.Mode == ModeRESTPull) && strings.TrimSpace(s.Schedule) == "" {
		add("spec.schedule is required for pull connectors")
	}

	switch s.Mode {
	case ModeSQLPull:
		if s.Source.SecretRef == "" {
			add("source.secretRef is required for sql_pull mode")
		}

		if s.Source.Query == "" {
			add("source.query is required for sql_pull mode")
		}
	case ModeRESTPull:
		if s.Source.URL == "" {
			add("source.url is required for rest_pull mode")
		}

		if s.Source.SecretRef == "" && s.Source.OAuth == nil {
			add("source.secretRef is required for rest_pull mode")
		}

		if s.Source.Method != "GET" && s.Source.Method != "POST" {
			add("source.method must be GET or POST")
		}

		problems = append(problems, validateOAuth(s.Source.OAuth)...)
	case ModeFilePull:
		problems = append(problems, validateFileSource(&s.Source)...)
	}

	switch s.Output.Format {
	case FormatNDJSON:
		if s.Mapping == nil {
			add("spec.mapping is required when spec.output.format is ndjson")
		}
	case FormatCSV:
		if s.Mode != ModeSQLPull {
			add("spec.output.format csv is only supported for sql_pull connectors")
		}
	default:
		add("spec.output.format must be ndjson or csv")
	}

	if m := s.Mapping; m != nil {
		if m.IDField == "" {
			add("spec.mapping.idField is required")
		}

		if m.TitleField == "" {
			add("spec.mapping.titleField is required")
		}

		if m.ContentTemplate == "" {
			add("spec.mapping.contentTemplate is required")
		}
	}

	if !strings.HasPrefix(s.Output.Bucket, "gs://") && !strings.HasPrefix(s.Output.Bucket, "file://") {
		add("output.bucket must start with gs:// or file://")
	}

	switch s.Reconciliation.DeletePolicy {
	case DeleteAutoMissing, DeleteSoftOnly, DeleteNever:
	default:
		add("spec.reconciliation.deletePolicy must be auto_delete_missing, soft_delete_only or never_delete")
	}

	if s.Ingestion.Enabled {
		if g := s.Gemini; g == nil {
			add("spec.gemini is required when spec.ingestion.enabled is true")
		} else if g.ProjectID == "" || g.Location == "" || g.DataStoreID == "" {
			add("spec.gemini requires projectId, location and dataStoreId")
		}
	}

	return problems
}

func validateOAuth(o *OAuth) []string {
	if o == nil {
		return nil
	}

	var problems []string

	if o.GrantType != GrantClientCredentials {
		problems = append(problems, "source.oauth.grantType must be client_credentials")
	}

	if o.TokenURL == "" {
		problems = append(problems, "source.oauth.tokenUrl is required")
	}

	if o.ClientID == "" {
		problems = append(problems, "source.oauth.clientId is required")
	}

	if o.ClientAuthMethod != ClientSecretPost && o.ClientAuthMethod != ClientSecretBasic {
		problems = append(problems, "source.oauth.clientAuthMethod must be client_secret_post or client_secret_basic")
	}

	return problems
}

func validateFileSource(s *Source) []string {
	var problems []string

	if s.Path == "" {
		problems = append(problems, "source.path is required for file_pull mode")
	}

	switch {
	case s.Glob == "":
		problems = append(problems, "source.glob is required for file_pull mode")
	case strings.Contains(s.Glob, "**"):
		problems = append(problems, "source.glob must not be recursive (**)")
	}

	if s.Format != "csv" {
		problems = append(problems, "source.format must be csv for file_pull mode")
	}

	if s.CSV == nil {
		return append(problems, "source.csv is required for file_pull mode")
	}

	if utf8.RuneCountInString(s.CSV.Delimiter) != 1 {
		problems = append(problems, "source.csv.delimiter must be a single character")
	}

	if s.CSV.DocumentMode != DocumentPerRow && s.CSV.DocumentMode != DocumentPerFile {
		problems = append(problems, "source.csv.documentMode must be row or file")
	}

	return problems
}

func containsType(types []SourceType, t SourceType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}

	return false
}

func joinTypes(types []SourceType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	return strings.Join(names, "|")
}
