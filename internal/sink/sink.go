// Package sink pushes published runs into a Discovery Engine data store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	discoveryengine "google.golang.org/api/discoveryengine/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ingestrelay/ingestrelay/internal/config"
	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/objectstore"
	"github.com/ingestrelay/ingestrelay/internal/publish"
)

// Defaults for talking to the sink.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultOperationTimeout = 600 * time.Second
	DefaultDeletesPerSecond = 20
	DefaultRequestAttempts  = 3

	globalLocation = "global"
)

// DeleteOutcome says what happened to one delete request.
type DeleteOutcome string

const (
	Deleted  DeleteOutcome = "Deleted"
	NotFound DeleteOutcome = "NotFound"
)

// DeleteResult pairs a document with its delete outcome.
type DeleteResult struct {
	DocID   string
	SinkID  string
	Outcome DeleteOutcome
}

// ErrOperationTimeout is returned when an import does not finish within the operation timeout.
var ErrOperationTimeout = errors.New("operation timed out")

// Error wraps sink failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("Gemini ingestion %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Class identifies the error in run records.
func (e *Error) Class() string {
	return "IngestionError"
}

// Config controls ingestion behavior.
type Config struct {
	DryRun           bool
	PollInterval     time.Duration
	OperationTimeout time.Duration
	DeletesPerSecond float64
	RequestAttempts  int
}

// LoadConfig reads ingestion settings from the environment. Dry run is on unless
// GEMINI_INGESTION_DRY_RUN is set to false.
func LoadConfig() Config {
	return Config{
		DryRun:           config.GetEnvBool("GEMINI_INGESTION_DRY_RUN", true),
		PollInterval:     config.GetEnvDuration("GEMINI_POLL_INTERVAL", DefaultPollInterval),
		OperationTimeout: config.GetEnvDuration("GEMINI_OPERATION_TIMEOUT", DefaultOperationTimeout),
		DeletesPerSecond: DefaultDeletesPerSecond,
		RequestAttempts:  DefaultRequestAttempts,
	}
}

// Client imports and deletes documents. One Discovery Engine service is kept per location.
type Client struct {
	cfg    Config
	opts   []option.ClientOption
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*discoveryengine.Service
}

// NewClient returns a sink client. opts are applied after the regional endpoint, so tests can
// redirect every call with option.WithEndpoint.
func NewClient(cfg Config, logger *slog.Logger, opts ...option.ClientOption) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	if cfg.DeletesPerSecond <= 0 {
		cfg.DeletesPerSecond = DefaultDeletesPerSecond
	}

	if cfg.RequestAttempts < 1 {
		cfg.RequestAttempts = DefaultRequestAttempts
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{cfg: cfg, opts: opts, logger: logger, services: make(map[string]*discoveryengine.Service)}
}

// Endpoint returns the API root for location.
func Endpoint(location string) string {
	if location == globalLocation {
		return "https://discoveryengine.googleapis.com/"
	}

	return fmt.Sprintf("https://%s-discoveryengine.googleapis.com/", location)
}

// BranchName returns the default branch resource of a data store.
func BranchName(gemini *connector.Gemini) string {
	return fmt.Sprintf("projects/%s/locations/%s/collections/default_collection/dataStores/%s/branches/default_branch",
		gemini.ProjectID, gemini.Location, gemini.DataStoreID)
}

func (c *Client) service(ctx context.Context, location string) (*discoveryengine.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[location]; ok {
		return svc, nil
	}

	opts := append([]option.ClientOption{option.WithEndpoint(Endpoint(location))}, c.opts...)

	svc, err := discoveryengine.NewService(ctx, opts...)
	if err != nil {
		return nil, &Error{Op: "client setup", Err: err}
	}

	c.services[location] = svc

	return svc, nil
}

// Import loads the run's upserts into the data store and waits for the import operation.
// Dry runs, local manifests and manifests without document artifacts are skipped.
func (c *Client) Import(ctx context.Context, gemini *connector.Gemini, manifest *publish.Manifest) error {
	if c.cfg.DryRun {
		c.logger.Info("Skipping import in dry-run mode", slog.String("run_id", manifest.RunID))

		return nil
	}

	request := importRequest(manifest)
	if request == nil {
		c.logger.Info("Skipping import of local or tabular artifacts", slog.String("run_id", manifest.RunID))

		return nil
	}

	svc, err := c.service(ctx, gemini.Location)
	if err != nil {
		return err
	}

	var operation *discoveryengine.GoogleLongrunningOperation

	err = c.retry(ctx, func() error {
		var callErr error

		operation, callErr = svc.Projects.Locations.Collections.DataStores.Branches.Documents.
			Import(BranchName(gemini), request).Context(ctx).Do()

		return callErr
	})
	if err != nil {
		return &Error{Op: "import", Err: err}
	}

	if operation == nil || operation.Name == "" {
		return nil
	}

	c.logger.Info("Waiting for import operation", slog.String("operation", operation.Name))

	return c.wait(ctx, svc, operation)
}

func importRequest(manifest *publish.Manifest) *discoveryengine.GoogleCloudDiscoveryengineV1ImportDocumentsRequest {
	var (
		uri    string
		schema = "document"
		idKey  string
	)

	switch {
	case manifest.ImportUpsertsPath != nil:
		uri = *manifest.ImportUpsertsPath
	case manifest.UpsertsPath != nil:
		uri, schema, idKey = *manifest.UpsertsPath, "custom", "_id"
	default:
		return nil
	}

	if strings.HasPrefix(uri, objectstore.SchemeFile) {
		return nil
	}

	return &discoveryengine.GoogleCloudDiscoveryengineV1ImportDocumentsRequest{
		GcsSource: &discoveryengine.GoogleCloudDiscoveryengineV1GcsSource{
			InputUris:  []string{uri},
			DataSchema: schema,
		},
		IdField:            idKey,
		ReconciliationMode: "INCREMENTAL",
	}
}

func (c *Client) wait(ctx context.Context, svc *discoveryengine.Service, operation *discoveryengine.GoogleLongrunningOperation) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	current := operation

	poll := func() error {
		if current.Done {
			if current.Error != nil {
				return backoff.Permanent(fmt.Errorf("operation %s failed: %s (code %d)",
					current.Name, current.Error.Message, current.Error.Code))
			}

			return nil
		}

		next, err := svc.Projects.Locations.Collections.DataStores.Branches.Operations.
			Get(current.Name).Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			return backoff.Permanent(fmt.Errorf("failed to poll operation %s: %w", current.Name, err))
		}

		current = next

		if current.Done {
			if current.Error != nil {
				return backoff.Permanent(fmt.Errorf("operation %s failed: %s (code %d)",
					current.Name, current.Error.Message, current.Error.Code))
			}

			return nil
		}

		return errors.New("operation still running")
	}

	err := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(c.cfg.PollInterval), ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Op: "import", Err: fmt.Errorf("%w: %s after %s", ErrOperationTimeout, operation.Name, c.cfg.OperationTimeout)}
	default:
		return &Error{Op: "import", Err: err}
	}
}

// Delete removes the given documents, pacing requests to DeletesPerSecond. A document the
// sink does not know is reported as NotFound rather than failing the batch.
func (c *Client) Delete(ctx context.Context, gemini *connector.Gemini, deletes []*document.Document) ([]DeleteResult, error) {
	if c.cfg.DryRun || len(deletes) == 0 {
		return nil, nil
	}

	svc, err := c.service(ctx, gemini.Location)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(c.cfg.DeletesPerSecond), 1)
	base := BranchName(gemini) + "/documents/"
	results := make([]DeleteResult, 0, len(deletes))

	for _, doc := range deletes {
		if err := limiter.Wait(ctx); err != nil {
			return results, &Error{Op: "delete", Err: err}
		}

		sinkID := document.SinkID(doc.DocID)

		err := c.retry(ctx, func() error {
			_, callErr := svc.Projects.Locations.Collections.DataStores.Branches.Documents.
				Delete(base + sinkID).Context(ctx).Do()

			return callErr
		})

		outcome := Deleted

		switch {
		case err == nil:
		case statusCode(err) == http.StatusNotFound:
			outcome = NotFound
		default:
			return results, &Error{Op: "delete", Err: fmt.Errorf("%s: %w", doc.DocID, err)}
		}

		results = append(results, DeleteResult{DocID: doc.DocID, SinkID: sinkID, Outcome: outcome})
	}

	return results, nil
}

// retry repeats call on transport errors, 429 and 5xx answers.
func (c *Client) retry(ctx context.Context, call func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	if c.cfg.PollInterval < time.Second {
		policy.InitialInterval = c.cfg.PollInterval
	}

	operation := func() error {
		err := call()
		if err == nil {
			return nil
		}

		code := statusCode(err)
		if code != 0 && code != http.StatusTooManyRequests && code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}

		return err
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.RequestAttempts-1)), ctx))
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	return 0
}
