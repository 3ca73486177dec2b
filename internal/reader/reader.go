// Package reader polls the rollup node's read-side GraphQL endpoint for the
// result records attached to a submitted work item.
package reader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/degenlabs/degenshield/internal/metrics"
)

// ErrTimeout is returned when no result appears within the retry budget.
// It is an expected outcome for slow epochs, not a transport failure.
var ErrTimeout = errors.New("reader: result not available within retry budget")

const (
	// DefaultMaxAttempts bounds the poll loop.
	DefaultMaxAttempts = 10
	// DefaultInterval is the pause between attempts.
	DefaultInterval = 2000 * time.Millisecond
)

// resultQuery fetches a work item and the payloads published for it. The
// read side exposes notices as a relay-style connection.
const resultQuery = `query ($id: String!) {
  input(id: $id) {
    id
    status
    notices {
      edges {
        node {
          payload
        }
      }
    }
  }
}`

// Config for creating a read-side client.
type Config struct {
	NodeURL     string // base URL of the rollup node's query endpoint
	AppAddress  string // application contract the read side is scoped to
	MaxAttempts int    // 0 means DefaultMaxAttempts
	Interval    time.Duration
	Logger      *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client polls a single application's read side.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
}

// New creates a read-side client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("reader: node URL required")
	}
	if cfg.AppAddress == "" {
		return nil, fmt.Errorf("reader: app address required")
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		endpoint:    fmt.Sprintf("%s/graphql/%s", cfg.NodeURL, cfg.AppAddress),
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		logger:      cfg.Logger,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Result is the processed state of a work item as seen by the read side.
type Result struct {
	ID       string
	Status   string
	Payloads []hexutil.Bytes // decoded notice payloads, in publication order
}

// Ready reports whether at least one well-formed result payload is present.
func (r *Result) Ready() bool {
	return r != nil && len(r.Payloads) > 0
}

// Poll queries the read side for the work item's results, retrying up to
// the configured ceiling with a fixed pause between attempts. It returns as
// soon as a well-formed result is observed; transport and decode errors on
// individual attempts are logged and absorbed into the retry budget. A nil
// error means Result.Ready() holds.
func (c *Client) Poll(ctx context.Context, workItemID string) (*Result, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		metrics.PollAttemptsTotal.Inc()

		res, err := c.query(ctx, workItemID)
		switch {
		case err != nil:
			c.logger.Warn("result poll attempt failed",
				"work_item_id", workItemID,
				"attempt", attempt,
				"error", err)
		case res.Ready():
			metrics.PollOutcomesTotal.WithLabelValues("result").Inc()
			return res, nil
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.PollOutcomesTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
	}
	metrics.PollOutcomesTotal.WithLabelValues("timeout").Inc()
	return nil, fmt.Errorf("%w: work item %s after %d attempts", ErrTimeout, workItemID, c.maxAttempts)
}

// query performs one GraphQL fetch and decodes the notice payloads.
func (c *Client) query(ctx context.Context, workItemID string) (*Result, error) {
	body, err := json.Marshal(map[string]any{
		"query":     resultQuery,
		"variables": map[string]string{"id": workItemID},
	})
	if err != nil {
		return nil, fmt.Errorf("reader: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reader: query read side: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reader: read side returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			Input *struct {
				ID      string `json:"id"`
				Status  string `json:"status"`
				Notices struct {
					Edges []struct {
						Node struct {
							Payload string `json:"payload"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"notices"`
			} `json:"input"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("reader: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("reader: read side error: %s", envelope.Errors[0].Message)
	}
	if envelope.Data.Input == nil {
		// The work item has not been indexed yet; the caller retries.
		return &Result{ID: workItemID}, nil
	}

	res := &Result{
		ID:     envelope.Data.Input.ID,
		Status: envelope.Data.Input.Status,
	}
	for _, edge := range envelope.Data.Input.Notices.Edges {
		payload, err := hexutil.Decode(edge.Node.Payload)
		if err != nil || len(payload) == 0 {
			// Skip malformed entries rather than failing the whole attempt.
			continue
		}
		res.Payloads = append(res.Payloads, payload)
	}
	return res, nil
}
