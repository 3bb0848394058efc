package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wideobs/widewatch/internal/models"
)

// WebhookSink POSTs one JSON payload per incident transition.
type WebhookSink struct {
	url            string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *WebhookSink {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &WebhookSink{
		url:            url,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Series        string  `json:"series"`
	IncidentID    string  `json:"incident_id"`
	DedupKey      string  `json:"dedup_key"`
	Transition    string  `json:"transition"`
	Severity      string  `json:"severity"`
	PeakDeviation float64 `json:"peak_deviation"`
	Value         float64 `json:"value"`
	Expected      float64 `json:"expected"`
	Message       string  `json:"message"`
	Timestamp     string  `json:"timestamp"`
}

// Send delivers the event with linear-backoff retry.
func (s *WebhookSink) Send(ctx context.Context, ev models.NotificationEvent) error {
	body, err := json.Marshal(webhookPayload{
		Series:        ev.SeriesID,
		IncidentID:    ev.IncidentID,
		DedupKey:      ev.DedupKey,
		Transition:    string(ev.Kind),
		Severity:      string(ev.Severity),
		PeakDeviation: ev.PeakDeviation,
		Value:         ev.Value,
		Expected:      ev.Expected,
		Message:       ev.Message,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for i := 0; i < s.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelayBase * time.Duration(i)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("failed after %d retries: %w", s.maxRetries, lastErr)
}
