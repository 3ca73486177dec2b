// Package rollup implements the compute node's side of the rollup protocol:
// the HTTP client for the host's finish/notice/report endpoints, the
// operation dispatcher, and the perpetual request loop.
package rollup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is the outcome reported back to the host for an advance request.
type Status string

const (
	StatusAccept Status = "accept"
	StatusReject Status = "reject"
)

// RequestType tags the two request kinds the host delivers.
type RequestType string

const (
	RequestAdvance RequestType = "advance_state"
	RequestInspect RequestType = "inspect_state"
)

// Metadata describes the sequenced position of an advance request.
type Metadata struct {
	MsgSender   common.Address `json:"msg_sender"`
	EpochIndex  uint64         `json:"epoch_index"`
	InputIndex  uint64         `json:"input_index"`
	BlockNumber uint64         `json:"block_number"`
	Timestamp   int64          `json:"timestamp"` // unix seconds
}

// Time returns the metadata timestamp as a time.Time. This is the only
// notion of "now" the node is allowed to observe.
func (m Metadata) Time() time.Time {
	return time.Unix(m.Timestamp, 0).UTC()
}

// AdvanceRequest is a sequenced, state-mutating work item.
type AdvanceRequest struct {
	Metadata Metadata `json:"metadata"`
	Payload  string   `json:"payload"` // 0x-prefixed hex
}

// InspectRequest is a read-only query; it is never sequenced.
type InspectRequest struct {
	Payload string `json:"payload"` // 0x-prefixed hex
}

// Request is the next pending request returned by /finish.
type Request struct {
	Type RequestType     `json:"request_type"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the rollup host HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client (useful for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a rollup host client.
// The default http.Client has no timeout: /finish long-polls until the host
// has a request to hand over.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Finish reports the previous request's outcome and blocks until the host
// hands over the next request. Returns (nil, nil) when the host answers 202,
// meaning no request is pending yet.
func (c *Client) Finish(ctx context.Context, status Status) (*Request, error) {
	body, err := json.Marshal(map[string]Status{"status": status})
	if err != nil {
		return nil, fmt.Errorf("rollup: marshal finish body: %w", err)
	}

	resp, err := c.post(ctx, "/finish", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var req Request
		if err := json.NewDecoder(resp.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("rollup: decode finish response: %w", err)
		}
		return &req, nil
	case http.StatusAccepted:
		// No pending request.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		return nil, fmt.Errorf("rollup: finish returned status %d", resp.StatusCode)
	}
}

// Notice records a result notice for the advance request being processed.
func (c *Client) Notice(ctx context.Context, payload hexutil.Bytes) error {
	return c.emit(ctx, "/notice", payload)
}

// Report records a diagnostic report. Reports are also the response channel
// for inspect requests.
func (c *Client) Report(ctx context.Context, payload hexutil.Bytes) error {
	return c.emit(ctx, "/report", payload)
}

// Voucher records a voucher targeting destination. Present for protocol
// completeness; the scoring path never emits one.
func (c *Client) Voucher(ctx context.Context, destination common.Address, payload hexutil.Bytes) error {
	body, err := json.Marshal(map[string]string{
		"destination": destination.Hex(),
		"payload":     payload.String(),
	})
	if err != nil {
		return fmt.Errorf("rollup: marshal voucher: %w", err)
	}
	resp, err := c.post(ctx, "/voucher", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("rollup: voucher returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) emit(ctx context.Context, path string, payload hexutil.Bytes) error {
	body, err := json.Marshal(map[string]string{"payload": payload.String()})
	if err != nil {
		return fmt.Errorf("rollup: marshal %s body: %w", path, err)
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("rollup: %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rollup: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rollup: %s request failed: %w", path, err)
	}
	return resp, nil
}
