package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const maxResponseBody = 64 << 10

// Webhook posts the whole feed as one JSON document. Any 2xx is an
// acknowledgement unless the body carries "acknowledged": false.
type Webhook struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewWebhook creates a webhook broker
func NewWebhook(name, endpoint, apiKey string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
		breaker:  newBreaker(name),
	}
}

// Dispatch sends the feed
func (w *Webhook) Dispatch(ctx context.Context, payload Payload) (*AckResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	ack := &AckResult{Request: string(body)}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", payload.ExecID)
		if w.apiKey != "" {
			req.Header.Set("X-API-Key", w.apiKey)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		ack.HTTPStatus = resp.StatusCode
		ack.Response = string(respBody)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("broker %s returned status %d", w.name, resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("broker", w.name).
			Str("exec_id", payload.ExecID).
			Int("http_status", ack.HTTPStatus).
			Msg("webhook dispatch failed")
		return ack, err
	}

	ack.Acknowledged = acknowledged(ack.Response)
	return ack, nil
}

// acknowledged reads an optional {"acknowledged": bool} body; anything else
// counts as an acknowledgement
func acknowledged(body string) bool {
	var parsed struct {
		Acknowledged *bool `json:"acknowledged"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil || parsed.Acknowledged == nil {
		return true
	}
	return *parsed.Acknowledged
}

// newBreaker opens after five consecutive failures and probes again after a minute
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("broker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit state changed")
		},
	})
}
