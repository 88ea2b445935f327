// Package notify delivers run completion events and failure alerts to external collaborators.
//
// Delivery is fire-and-forget: a sink that cannot be reached is logged at warn level and
// never fails the run that produced the event.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Run statuses carried by events.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

const defaultDeliveryTimeout = 10 * time.Second

// ErrDeliveryFailed is returned by sinks when the remote end rejects an event.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Event is a structured run event. Keys follow the run record field names.
type Event map[string]any

// ConnectorID returns the connector the event belongs to, or "" when unset.
func (e Event) ConnectorID() string {
	id, _ := e["connector_id"].(string)

	return id
}

// Completed builds the event emitted after a successful run. manifestPath is nil when the
// run published nothing.
func Completed(connectorID, runID string, upserts, deletes int, manifestPath *string) Event {
	return Event{
		"status":        StatusSuccess,
		"connector_id":  connectorID,
		"run_id":        runID,
		"upserts":       upserts,
		"deletes":       deletes,
		"manifest_path": manifestPath,
	}
}

// Failed builds the event emitted after a failed run.
func Failed(connectorID, runID, errorClass, message string) Event {
	return Event{
		"status":        StatusFailed,
		"connector_id":  connectorID,
		"run_id":        runID,
		"error_class":   errorClass,
		"error_message": message,
	}
}

// Fact is one name/value line of an alert.
type Fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Alert is a human-facing failure notice.
type Alert struct {
	Title   string
	Message string
	Facts   []Fact
}

// FailureAlert builds the alert raised when a connector run fails.
func FailureAlert(connectorID, runID, errorClass, message string) Alert {
	return Alert{
		Title:   "IngestRelay failed: " + connectorID,
		Message: message,
		Facts: []Fact{
			{Name: "connector", Value: connectorID},
			{Name: "run_id", Value: runID},
			{Name: "error", Value: errorClass},
		},
	}
}

// Emitter sends run events to a telemetry sink.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Alerter sends alerts to a chat or paging sink.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// Notifier fans events and alerts out to every configured sink.
type Notifier struct {
	emitters []Emitter
	alerters []Alerter
	closers  []func() error
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithEmitter adds an event sink.
func WithEmitter(emitter Emitter) Option {
	return func(n *Notifier) {
		n.emitters = append(n.emitters, emitter)
	}
}

// WithAlerter adds an alert sink.
func WithAlerter(alerter Alerter) Option {
	return func(n *Notifier) {
		n.alerters = append(n.alerters, alerter)
	}
}

// WithLogger sets the logger used to report delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// New returns a Notifier with only the sinks given as options. Use FromConfig to build one
// from the environment.
func New(opts ...Option) *Notifier {
	n := &Notifier{logger: slog.New(slog.DiscardHandler)}

	for _, opt := range opts {
		opt(n)
	}

	if n.logger == nil {
		n.logger = slog.New(slog.DiscardHandler)
	}

	return n
}

// FromConfig builds a Notifier with every sink enabled in cfg.
func FromConfig(cfg *Config, logger *slog.Logger) *Notifier {
	opts := []Option{WithLogger(logger)}

	if cfg.SplunkHECURL != "" && cfg.SplunkHECToken != "" {
		opts = append(opts, WithEmitter(NewSplunkHEC(cfg.SplunkHECURL, cfg.SplunkHECToken)))
	}

	if cfg.TeamsWebhookURL != "" {
		opts = append(opts, WithAlerter(NewTeamsWebhook(cfg.TeamsWebhookURL)))
	}

	n := New(opts...)

	if len(cfg.KafkaBrokers) > 0 {
		kafkaEmitter := NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
		n.emitters = append(n.emitters, kafkaEmitter)
		n.closers = append(n.closers, kafkaEmitter.Close)
	}

	return n
}

// Event delivers event to every emitter. Failures are logged and dropped.
func (n *Notifier) Event(ctx context.Context, event Event) {
	for _, emitter := range n.emitters {
		if err := emitter.Emit(ctx, event); err != nil {
			n.logger.Warn("Failed to deliver run event",
				slog.String("connector_id", event.ConnectorID()),
				slog.Any("status", event["status"]),
				slog.String("error", err.Error()))
		}
	}
}

// Alert delivers alert to every alerter. Failures are logged and dropped.
func (n *Notifier) Alert(ctx context.Context, alert Alert) {
	for _, alerter := range n.alerters {
		if err := alerter.Alert(ctx, alert); err != nil {
			n.logger.Warn("Failed to deliver alert",
				slog.String("title", alert.Title),
				slog.String("error", err.Error()))
		}
	}
}

// Close releases sink resources such as Kafka connections.
func (n *Notifier) Close() error {
	var errs []error

	for _, closeFn := range n.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
