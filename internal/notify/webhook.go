package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const splunkSource = "ingest-relay"

// SplunkHEC posts run events to a Splunk HTTP Event Collector.
type SplunkHEC struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewSplunkHEC returns an emitter for the collector at url.
func NewSplunkHEC(url, token string) *SplunkHEC {
	return &SplunkHEC{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: defaultDeliveryTimeout},
		now:    time.Now,
	}
}

// Emit sends event wrapped in a HEC envelope.
func (s *SplunkHEC) Emit(ctx context.Context, event Event) error {
	payload := map[string]any{
		"time":   float64(s.now().UnixMicro()) / 1e6,
		"event":  event,
		"source": splunkSource,
	}

	return postJSON(ctx, s.client, s.url, payload, map[string]string{"Authorization": "Splunk " + s.token})
}

// TeamsWebhook posts alerts as legacy MessageCards to a Teams incoming webhook.
type TeamsWebhook struct {
	url    string
	client *http.Client
}

// NewTeamsWebhook returns an alerter for the webhook at url.
func NewTeamsWebhook(url string) *TeamsWebhook {
	return &TeamsWebhook{url: url, client: &http.Client{Timeout: defaultDeliveryTimeout}}
}

type messageCard struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	Summary    string        `json:"summary"`
	ThemeColor string        `json:"themeColor"`
	Title      string        `json:"title"`
	Text       string        `json:"text"`
	Sections   []cardSection `json:"sections"`
}

type cardSection struct {
	Facts []Fact `json:"facts"`
}

// Alert sends alert as a red MessageCard.
func (t *TeamsWebhook) Alert(ctx context.Context, alert Alert) error {
	card := messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    alert.Title,
		ThemeColor: "E81123",
		Title:      alert.Title,
		Text:       alert.Message,
		Sections:   []cardSection{},
	}

	if len(alert.Facts) > 0 {
		card.Sections = append(card.Sections, cardSection{Facts: alert.Facts})
	}

	return postJSON(ctx, t.client, t.url, card, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: HTTP %d", ErrDeliveryFailed, resp.StatusCode)
	}

	return nil
}
