package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// Simulated acknowledges every feed. It keeps the payloads it received so
// tests and the demo driver can inspect them.
type Simulated struct {
	mu       sync.Mutex
	received []Payload
	// Reject makes every dispatch fail with this error when set
	Reject error
}

// NewSimulated creates an always-acknowledging broker
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Dispatch records the feed and acknowledges it
func (s *Simulated) Dispatch(_ context.Context, payload Payload) (*AckResult, error) {
	body, _ := json.Marshal(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Reject != nil {
		return &AckResult{Request: string(body), HTTPStatus: http.StatusServiceUnavailable}, s.Reject
	}
	s.received = append(s.received, payload)
	return &AckResult{
		Acknowledged: true,
		HTTPStatus:   http.StatusOK,
		Request:      string(body),
		Response:     `{"acknowledged":true}`,
	}, nil
}

// Received returns the feeds dispatched so far
func (s *Simulated) Received() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Payload, len(s.received))
	copy(out, s.received)
	return out
}
