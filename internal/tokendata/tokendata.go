// Package tokendata gathers the raw on-chain and market inputs a risk
// assessment needs: transaction history, market data, holder distribution
// and contract metadata. Each upstream degrades independently to a zero
// value so one flaky provider does not block scoring.
package tokendata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/degenlabs/degenshield/internal/retry"
	"github.com/degenlabs/degenshield/internal/risk"
)

// Provider base URLs, overridable for tests.
const (
	DefaultEtherscanURL  = "https://api.etherscan.io/api"
	DefaultCoinGeckoURL  = "https://api.coingecko.com/api/v3"
	DefaultEthplorerURL  = "https://api.ethplorer.io"
	DefaultBlockscoutURL = "https://eth.blockscout.com/api/v2"
)

// topHolderLimit bounds the holder-distribution fetch; only the largest
// positions feed the concentration factor.
const topHolderLimit = 3

// Retry budget per provider call. Public explorers rate-limit aggressively,
// so transient failures get a couple of backed-off retries.
const (
	fetchAttempts  = 3
	fetchBaseDelay = 300 * time.Millisecond
)

// Config for creating a token data client.
type Config struct {
	EtherscanAPIKey string
	CoinGeckoAPIKey string
	EthplorerAPIKey string // "freekey" works for low-volume use
	RPCURL          string // Ethereum JSON-RPC endpoint for contract code lookups

	EtherscanURL  string
	CoinGeckoURL  string
	EthplorerURL  string
	BlockscoutURL string

	Logger *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client fetches token data from the configured providers.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// New creates a token data client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.EtherscanURL == "" {
		cfg.EtherscanURL = DefaultEtherscanURL
	}
	if cfg.CoinGeckoURL == "" {
		cfg.CoinGeckoURL = DefaultCoinGeckoURL
	}
	if cfg.EthplorerURL == "" {
		cfg.EthplorerURL = DefaultEthplorerURL
	}
	if cfg.BlockscoutURL == "" {
		cfg.BlockscoutURL = DefaultBlockscoutURL
	}
	if cfg.EthplorerAPIKey == "" {
		cfg.EthplorerAPIKey = "freekey"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     cfg.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transaction is one entry of a contract's transfer history. The explorer
// API returns every numeric field as a string.
type Transaction struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// Time parses the transaction's unix timestamp.
func (t Transaction) Time() (time.Time, error) {
	ts, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("tokendata: parse tx timestamp %q: %w", t.TimeStamp, err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// Details is the market snapshot for a token.
type Details struct {
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	MarketCap float64 `json:"marketCap"`
	Volume    float64 `json:"volume"`
}

// ContractHistory returns the token contract's transactions, newest first.
func (c *Client) ContractHistory(ctx context.Context, address common.Address) ([]Transaction, error) {
	url := fmt.Sprintf("%s?module=account&action=txlist&address=%s&startblock=0&endblock=99999999&sort=desc&apikey=%s",
		c.cfg.EtherscanURL, address.Hex(), c.cfg.EtherscanAPIKey)

	var body struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := c.getJSON(ctx, url, nil, &body); err != nil {
		return nil, err
	}

	// On errors the explorer sets status "0" and puts a message string in
	// result; "No transactions found" is a valid empty history.
	var txs []Transaction
	if err := json.Unmarshal(body.Result, &txs); err != nil {
		if body.Message == "No transactions found" {
			return nil, nil
		}
		return nil, fmt.Errorf("tokendata: explorer error: %s", body.Result)
	}
	return txs, nil
}

// TokenDetails returns price, market cap and volume for a token contract.
func (c *Client) TokenDetails(ctx context.Context, address common.Address) (Details, error) {
	url := fmt.Sprintf("%s/coins/ethereum/contract/%s", c.cfg.CoinGeckoURL, address.Hex())
	headers := map[string]string{"accept": "application/json"}
	if c.cfg.CoinGeckoAPIKey != "" {
		headers["x-cg-pro-api-key"] = c.cfg.CoinGeckoAPIKey
	}

	var body struct {
		Name       string `json:"name"`
		Symbol     string `json:"symbol"`
		MarketData *struct {
			CurrentPrice map[string]float64 `json:"current_price"`
			MarketCap    map[string]float64 `json:"market_cap"`
			TotalVolume  map[string]float64 `json:"total_volume"`
		} `json:"market_data"`
	}
	if err := c.getJSON(ctx, url, headers, &body); err != nil {
		return Details{}, err
	}
	if body.MarketData == nil {
		return Details{}, fmt.Errorf("tokendata: no market data for %s", address.Hex())
	}
	return Details{
		Name:      body.Name,
		Symbol:    body.Symbol,
		Price:     body.MarketData.CurrentPrice["usd"],
		MarketCap: body.MarketData.MarketCap["usd"],
		Volume:    body.MarketData.TotalVolume["usd"],
	}, nil
}

// TopHolders returns the largest token positions as address/percentage pairs.
func (c *Client) TopHolders(ctx context.Context, address common.Address) ([]risk.Holder, error) {
	url := fmt.Sprintf("%s/getTopTokenHolders/%s?apiKey=%s&limit=%d",
		c.cfg.EthplorerURL, address.Hex(), c.cfg.EthplorerAPIKey, topHolderLimit)

	var body struct {
		Holders []struct {
			Address string  `json:"address"`
			Share   float64 `json:"share"`
		} `json:"holders"`
	}
	if err := c.getJSON(ctx, url, nil, &body); err != nil {
		return nil, err
	}

	holders := make([]risk.Holder, 0, len(body.Holders))
	for _, h := range body.Holders {
		holders = append(holders, risk.Holder{Address: h.Address, Percentage: h.Share})
	}
	return holders, nil
}

// HolderCount returns the total number of token holders.
func (c *Client) HolderCount(ctx context.Context, address common.Address) (int64, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.cfg.BlockscoutURL, address.Hex())

	var body struct {
		Holders string `json:"holders"`
	}
	if err := c.getJSON(ctx, url, nil, &body); err != nil {
		return 0, err
	}
	if body.Holders == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(body.Holders, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tokendata: parse holder count %q: %w", body.Holders, err)
	}
	return n, nil
}

// CreationBlock returns the block number of the contract's earliest
// transaction, or 0 when no history exists.
func (c *Client) CreationBlock(ctx context.Context, address common.Address) (uint64, error) {
	txs, err := c.ContractHistory(ctx, address)
	if err != nil {
		return 0, err
	}
	if len(txs) == 0 {
		return 0, nil
	}
	oldest := txs[len(txs)-1]
	block, err := strconv.ParseUint(oldest.BlockNumber, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tokendata: parse creation block %q: %w", oldest.BlockNumber, err)
	}
	return block, nil
}

// ContractCode returns the deployed bytecode at the address, used to tell
// contracts from externally owned accounts. Requires RPCURL.
func (c *Client) ContractCode(ctx context.Context, address common.Address) ([]byte, error) {
	if c.cfg.RPCURL == "" {
		return nil, fmt.Errorf("tokendata: RPC URL not configured")
	}
	ec, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("tokendata: dial RPC: %w", err)
	}
	defer ec.Close()

	code, err := ec.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("tokendata: fetch contract code: %w", err)
	}
	return code, nil
}

// BuildRiskInput assembles a complete scoring input for a token contract.
// The history, market and holder fetches run concurrently; a failed fetch
// is logged and replaced with its zero value so a partial snapshot can
// still be scored. Contract age is measured from the oldest transaction
// to now.
func (c *Client) BuildRiskInput(ctx context.Context, address common.Address, now time.Time) (risk.Input, error) {
	var (
		txs     []Transaction
		details Details
		holders []risk.Holder
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if txs, err = c.ContractHistory(gctx, address); err != nil {
			c.logger.Warn("contract history unavailable", "address", address.Hex(), "error", err)
			txs = nil
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if details, err = c.TokenDetails(gctx, address); err != nil {
			c.logger.Warn("token details unavailable", "address", address.Hex(), "error", err)
			details = Details{}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if holders, err = c.TopHolders(gctx, address); err != nil {
			c.logger.Warn("top holders unavailable", "address", address.Hex(), "error", err)
			holders = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return risk.Input{}, err
	}

	age := 0.0
	if len(txs) > 0 {
		// History is newest first; the last entry is the creation tx.
		created, err := txs[len(txs)-1].Time()
		if err == nil && now.After(created) {
			age = now.Sub(created).Hours() / 24
		}
	}

	return risk.Input{
		TxnCount:          len(txs),
		ContractAgeInDays: age,
		Price:             details.Price,
		TopHolders:        holders,
		MarketCap:         details.MarketCap,
		Volume:            details.Volume,
	}, nil
}

// getJSON performs one GET and decodes the JSON response into out.
// getJSON fetches url and decodes the JSON body into out. Transient provider
// failures (network errors, 429, 5xx) are retried with backoff; anything else
// fails immediately.
func (c *Client) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	return retry.Do(ctx, fetchAttempts, fetchBaseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("tokendata: build request: %w", err))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("tokendata: fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("tokendata: provider returned status %d", resp.StatusCode)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return retry.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("tokendata: decode response: %w", err))
		}
		return nil
	})
}
