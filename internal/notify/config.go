package notify

import (
	"errors"

	"github.com/ingestrelay/ingestrelay/internal/config"
)

// DefaultKafkaTopic receives run events when RUN_EVENTS_KAFKA_TOPIC is unset.
const DefaultKafkaTopic = "ingestrelay.run-events"

var (
	// ErrSplunkTokenMissing is returned when a HEC endpoint is configured without a token.
	ErrSplunkTokenMissing = errors.New("SPLUNK_HEC_TOKEN is required when SPLUNK_HEC_URL is set")

	// ErrKafkaTopicMissing is returned when brokers are configured with an empty topic.
	ErrKafkaTopicMissing = errors.New("RUN_EVENTS_KAFKA_TOPIC must not be empty")
)

// Config selects which notification sinks are enabled. Empty values disable a sink.
type Config struct {
	TeamsWebhookURL string
	SplunkHECURL    string
	SplunkHECToken  string
	KafkaBrokers    []string
	KafkaTopic      string
}

// LoadConfig reads notification settings from the environment.
func LoadConfig() *Config {
	return &Config{
		TeamsWebhookURL: config.GetEnvStr("TEAMS_WEBHOOK_URL", ""),
		SplunkHECURL:    config.GetEnvStr("SPLUNK_HEC_URL", ""),
		SplunkHECToken:  config.GetEnvStr("SPLUNK_HEC_TOKEN", ""),
		KafkaBrokers:    config.ParseCommaSeparatedList(config.GetEnvStr("RUN_EVENTS_KAFKA_BROKERS", "")),
		KafkaTopic:      config.GetEnvStr("RUN_EVENTS_KAFKA_TOPIC", DefaultKafkaTopic),
	}
}

// Validate checks that each enabled sink is complete.
func (c *Config) Validate() error {
	if c.SplunkHECURL != "" && c.SplunkHECToken == "" {
		return ErrSplunkTokenMissing
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return ErrKafkaTopicMissing
	}

	return nil
}
