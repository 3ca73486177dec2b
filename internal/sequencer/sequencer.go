// Package sequencer submits signed work items to the rollup sequencer.
//
// A submission is a three-step pipeline: fetch the sender's next
// host-assigned sequence number, sign an EIP-712 typed message embedding the
// encoded payload, and post the signed bundle to the submission endpoint.
// The nonce is authoritative on the host side and never cached here; every
// submission fetches a fresh one immediately before signing.
package sequencer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/degenlabs/degenshield/internal/codec"
	"github.com/degenlabs/degenshield/internal/metrics"
)

// EIP-712 domain fixed by the rollup protocol.
const (
	domainName    = "Cartesi"
	domainVersion = "0.1.0"
	primaryType   = "CartesiMessage"
	maxGasPrice   = 10

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

var (
	ErrInvalidPrivateKey = errors.New("sequencer: invalid private key")
	ErrSubmitRejected    = errors.New("sequencer: submission rejected")
)

// messageTypes is the typed-data schema for a work-item submission.
var messageTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "app", Type: "address"},
		{Name: "nonce", Type: "uint64"},
		{Name: "max_gas_price", Type: "uint128"},
		{Name: "data", Type: "bytes"},
	},
}

// Config for creating a sequencer client.
type Config struct {
	NodeURL    string // base URL exposing /nonce and /submit
	AppAddress string // application contract work items are addressed to
	ChainID    int64
	PrivateKey string // hex, with or without 0x prefix
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client signs and submits work items for a single sender key.
type Client struct {
	httpClient *http.Client
	nodeURL    string
	app        common.Address
	chainID    int64
	key        *ecdsa.PrivateKey
	sender     common.Address

	// Serializes the nonce-fetch/sign/submit sequence. The host-assigned
	// nonce is only valid if nothing else signs for this sender in between.
	mu sync.Mutex
}

// New creates a sequencer client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("sequencer: node URL required")
	}
	if !common.IsHexAddress(cfg.AppAddress) {
		return nil, fmt.Errorf("sequencer: invalid app address %q", cfg.AppAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		nodeURL:    cfg.NodeURL,
		app:        common.HexToAddress(cfg.AppAddress),
		chainID:    cfg.ChainID,
		key:        key,
		sender:     crypto.PubkeyToAddress(*publicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sender returns the address derived from the signing key.
func (c *Client) Sender() common.Address {
	return c.sender
}

// Nonce fetches the next sequence number for (sender, app) from the host.
func (c *Client) Nonce(ctx context.Context) (uint64, error) {
	body, err := json.Marshal(map[string]string{
		"msg_sender":   c.sender.Hex(),
		"app_contract": c.app.Hex(),
	})
	if err != nil {
		return 0, fmt.Errorf("sequencer: marshal nonce request: %w", err)
	}

	resp, err := c.post(ctx, "/nonce", body)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sequencer: nonce returned status %d", resp.StatusCode)
	}

	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("sequencer: decode nonce response: %w", err)
	}
	return out.Nonce, nil
}

// SubmitResult is the host's acknowledgment of a submission.
type SubmitResult struct {
	ID string `json:"id"`
}

// Submit encodes the operation, signs it under a fresh nonce, and submits
// it. Returns the host-issued work-item identifier used for later polling.
// Network failures propagate; there is no internal retry.
func (c *Client) Submit(ctx context.Context, op codec.Operation, msg any) (string, error) {
	payload, err := codec.Encode(op, msg)
	if err != nil {
		return "", err
	}
	return c.SubmitPayload(ctx, payload)
}

// SubmitPayload submits an already-encoded payload.
func (c *Client) SubmitPayload(ctx context.Context, payload hexutil.Bytes) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.Nonce(ctx)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("nonce_error").Inc()
		return "", err
	}

	typed := c.typedData(nonce, payload)
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("sign_error").Inc()
		return "", fmt.Errorf("sequencer: hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, c.key)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("sign_error").Inc()
		return "", fmt.Errorf("sequencer: sign: %w", err)
	}
	// Recovery id on the wire is 27/28 per Ethereum convention.
	sig[64] += 27

	body, err := json.Marshal(submitBody{
		TypedData: toWire(typed, c.chainID, nonce, payload),
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return "", fmt.Errorf("sequencer: marshal submit request: %w", err)
	}

	resp, err := c.post(ctx, "/submit", body)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("network_error").Inc()
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("sequencer: decode submit response: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	return result.ID, nil
}

// typedData builds the signable EIP-712 message for one submission.
func (c *Client) typedData(nonce uint64, payload hexutil.Bytes) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       messageTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           gethmath.NewHexOrDecimal256(c.chainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"app":           c.app.Hex(),
			"nonce":         new(big.Int).SetUint64(nonce),
			"max_gas_price": big.NewInt(maxGasPrice),
			"data":          payload.String(),
		},
	}
}

// Wire representation of the typed data. The submission endpoint speaks
// plain JSON, so the big-integer fields travel as native JSON numbers; a
// nonce is 64-bit and max_gas_price is a small constant, both safely inside
// JSON's integer range.
type submitBody struct {
	TypedData wireTypedData `json:"typedData"`
	Signature string        `json:"signature"`
}

type wireTypedData struct {
	Domain      wireDomain     `json:"domain"`
	Types       apitypes.Types `json:"types"`
	PrimaryType string         `json:"primaryType"`
	Message     wireMessage    `json:"message"`
}

type wireDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

type wireMessage struct {
	App         string `json:"app"`
	Nonce       uint64 `json:"nonce"`
	MaxGasPrice uint64 `json:"max_gas_price"`
	Data        string `json:"data"`
}

func toWire(typed apitypes.TypedData, chainID int64, nonce uint64, payload hexutil.Bytes) wireTypedData {
	return wireTypedData{
		Domain: wireDomain{
			Name:              typed.Domain.Name,
			Version:           typed.Domain.Version,
			ChainID:           chainID,
			VerifyingContract: typed.Domain.VerifyingContract,
		},
		Types:       typed.Types,
		PrimaryType: typed.PrimaryType,
		Message: wireMessage{
			App:         typed.Message["app"].(string),
			Nonce:       nonce,
			MaxGasPrice: maxGasPrice,
			Data:        payload.String(),
		},
	}
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sequencer: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sequencer: %s request failed: %w", path, err)
	}
	return resp, nil
}
