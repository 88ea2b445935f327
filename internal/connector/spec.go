// Package connector loads and validates connector definitions.
//
// A connector is a YAML document:
//
//	apiVersion: sync.ingestrelay.io/v1alpha1
//	kind: Connector
//	metadata:
//	  name: support-articles
//	spec:
//	  mode: rest_pull
//	  schedule: "*/30 * * * *"
//	  source: {...}
//	  mapping: {...}
//	  output: {...}
package connector

// Mode selects how a connector obtains records.
type Mode string

const (
	ModeSQLPull  Mode = "sql_pull"
	ModeRESTPull Mode = "rest_pull"
	ModeFilePull Mode = "file_pull"
	ModeRESTPush Mode = "rest_push"
)

// SourceType names the concrete system behind a source.
type SourceType string

const (
	SourcePostgres SourceType = "postgres"
	SourceMSSQL    SourceType = "mssql"
	SourceMySQL    SourceType = "mysql"
	SourceHTTP     SourceType = "http"
	SourceFile     SourceType = "file"
)

// DeletePolicy governs ids that disappear from a pull source.
type DeletePolicy string

const (
	DeleteAutoMissing DeletePolicy = "auto_delete_missing"
	DeleteSoftOnly    DeletePolicy = "soft_delete_only"
	DeleteNever       DeletePolicy = "never_delete"
)

// OutputFormat selects the published artifact shape.
type OutputFormat string

const (
	FormatNDJSON OutputFormat = "ndjson"
	FormatCSV    OutputFormat = "csv"
)

// DocumentMode controls how CSV files become rows.
type DocumentMode string

const (
	DocumentPerRow  DocumentMode = "row"
	DocumentPerFile DocumentMode = "file"
)

// Client authentication methods for the OAuth token endpoint.
const (
	ClientSecretPost  = "client_secret_post"
	ClientSecretBasic = "client_secret_basic"
)

// GrantClientCredentials is the only supported OAuth grant.
const GrantClientCredentials = "client_credentials"

// Config is a parsed connector document.
type Config struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies the connector.
type Metadata struct {
	Name string `yaml:"name"`
}

// Spec is the connector behaviour.
type Spec struct {
	Mode           Mode           `yaml:"mode"`
	Schedule       string         `yaml:"schedule"`
	Source         Source         `yaml:"source"`
	Mapping        *Mapping       `yaml:"mapping"`
	Output         Output         `yaml:"output"`
	Gemini         *Gemini        `yaml:"gemini"`
	Ingestion      Ingestion      `yaml:"ingestion"`
	Reconciliation Reconciliation `yaml:"reconciliation"`
}

// Source configures the extraction adapter. Only the fields relevant to the mode are set.
type Source struct {
	Type      SourceType `yaml:"type"`
	SecretRef string     `yaml:"secretRef"`

	// sql_pull
	Query          string `yaml:"query"`
	WatermarkField string `yaml:"watermarkField"`

	// rest_pull
	URL                          string            `yaml:"url"`
	Method                       string            `yaml:"method"`
	Payload                      map[string]any    `yaml:"payload"`
	PaginationCursorField        string            `yaml:"paginationCursorField"`
	PaginationNextCursorJSONPath string            `yaml:"paginationNextCursorJsonPath"`
	Headers                      map[string]string `yaml:"headers"`
	OAuth                        *OAuth            `yaml:"oauth"`

	// file_pull
	Path   string `yaml:"path"`
	Glob   string `yaml:"glob"`
	Format string `yaml:"format"`
	CSV    *CSV   `yaml:"csv"`
}

// OAuth configures client-credentials authentication for rest_pull sources.
type OAuth struct {
	GrantType        string   `yaml:"grantType"`
	TokenURL         string   `yaml:"tokenUrl"`
	ClientID         string   `yaml:"clientId"`
	ClientSecretRef  string   `yaml:"clientSecretRef"`
	ClientAuthMethod string   `yaml:"clientAuthMethod"`
	Scopes           []string `yaml:"scopes"`
	Audience         string   `yaml:"audience"`
}

// CSV configures delimited file parsing.
type CSV struct {
	DocumentMode DocumentMode `yaml:"documentMode"`
	Delimiter    string       `yaml:"delimiter"`
	HasHeader    *bool        `yaml:"hasHeader"`
	Encoding     string       `yaml:"encoding"`
}

// Header reports whether the first record names the columns. It defaults to true.
func (c *CSV) Header() bool {
	return c.HasHeader == nil || *c.HasHeader
}

// Mapping projects raw rows onto canonical documents.
type Mapping struct {
	IDField         string   `yaml:"idField"`
	TitleField      string   `yaml:"titleField"`
	ContentTemplate string   `yaml:"contentTemplate"`
	URITemplate     string   `yaml:"uriTemplate"`
	MimeType        string   `yaml:"mimeType"`
	ACLUsersField   string   `yaml:"aclUsersField"`
	ACLGroupsField  string   `yaml:"aclGroupsField"`
	MetadataFields  []string `yaml:"metadataFields"`
}

// Output says where and how artifacts are published.
type Output struct {
	Bucket             string       `yaml:"bucket"`
	Prefix             string       `yaml:"prefix"`
	Format             OutputFormat `yaml:"format"`
	PublishLatestAlias bool         `yaml:"publishLatestAlias"`
}

// Gemini addresses a Discovery Engine data store.
type Gemini struct {
	ProjectID   string `yaml:"projectId"`
	Location    string `yaml:"location"`
	DataStoreID string `yaml:"dataStoreId"`
}

// Ingestion toggles pushing published artifacts into the indexing sink.
type Ingestion struct {
	Enabled bool `yaml:"enabled"`
}

// Reconciliation configures delete handling.
type Reconciliation struct {
	DeletePolicy DeletePolicy `yaml:"deletePolicy"`
}

// ID returns the connector identifier.
func (c *Config) ID() string {
	return c.Metadata.Name
}

// Tabular reports whether the connector publishes a CSV snapshot instead of documents.
func (c *Config) Tabular() bool {
	return c.Spec.Output.Format == FormatCSV
}
