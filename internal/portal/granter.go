package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attendcode/internal/queue"
)

// GrantRequest asks the gateway to open network access for a client.
type GrantRequest struct {
	StudentID  string `json:"studentId"`
	ClientAddr string `json:"ipAddress"`
}

// Granter opens network access after a successful mark. Implementations
// make at most one attempt per call.
type Granter interface {
	Grant(ctx context.Context, req GrantRequest) error
}

// ErrGrantDisabled is returned by NopGranter.
var ErrGrantDisabled = errors.New("access grant not configured")

// NopGranter is used when no gateway is configured.
type NopGranter struct{}

func (NopGranter) Grant(context.Context, GrantRequest) error { return ErrGrantDisabled }

// HTTPGateway posts grant requests to the captive-portal gateway.
type HTTPGateway struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPGateway creates a gateway client with a short timeout.
func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPGateway{URL: strings.TrimRight(url, "/"), HTTP: &http.Client{Timeout: timeout}}
}

// Grant performs a single POST; a non-2xx response is an error.
func (g *HTTPGateway) Grant(ctx context.Context, req GrantRequest) error {
	if req.ClientAddr == "" {
		return fmt.Errorf("gateway: client address required")
	}
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway error %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// GrantJobType tags grant jobs on the queue.
const GrantJobType = "grant-access"

// QueueGranter hands grant requests to a worker through a queue, so the
// marking request never waits on the gateway.
type QueueGranter struct {
	Queue queue.Queue
}

// Grant enqueues req.
func (q QueueGranter) Grant(ctx context.Context, req GrantRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.Queue.Publish(ctx, queue.Message{Type: GrantJobType, Body: body})
}

// DecodeGrantJob parses a queued grant job.
func DecodeGrantJob(msg queue.Message) (GrantRequest, error) {
	if msg.Type != GrantJobType {
		return GrantRequest{}, fmt.Errorf("unexpected job type %q", msg.Type)
	}
	var req GrantRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return GrantRequest{}, fmt.Errorf("decode grant job: %w", err)
	}
	return req, nil
}
