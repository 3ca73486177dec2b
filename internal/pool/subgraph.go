package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// fetchWindow is how far back the snapshot query reaches. Hourly data is
// capped to 7 days and swaps to 100 rows by the query itself.
const fetchWindow = 30 * 24 * time.Hour

const snapshotQuery = `query getPoolAnalytics($id: ID!, $startTime: Int!, $endTime: Int!, $startTime1: BigInt!, $endTime1: BigInt!) {
  pool(id: $id) {
    id
    token0 { id symbol decimals }
    token1 { id symbol decimals }
    totalValueLockedUSD
    token0Price
    token1Price
    volumeUSD
    txCount
    feeTier
    liquidity
    poolHourData(
      where: { periodStartUnix_gte: $startTime, periodStartUnix_lte: $endTime }
      orderBy: periodStartUnix
      orderDirection: asc
      first: 168
    ) {
      periodStartUnix liquidity tvlUSD volumeUSD txCount
      token0Price token1Price open high low close
    }
    poolDayData(
      where: { date_gte: $startTime, date_lte: $endTime }
      orderBy: date
      orderDirection: asc
      first: 30
    ) {
      date volumeUSD txCount tvlUSD token0Price token1Price open high low close
    }
    swaps(
      first: 100
      orderBy: timestamp
      orderDirection: desc
      where: { timestamp_gte: $startTime1, timestamp_lte: $endTime1 }
    ) {
      id timestamp amountUSD sender recipient
      transaction { id gasUsed gasPrice }
    }
  }
}`

// Fetcher pulls raw pool snapshots from a Uniswap v3 subgraph.
type Fetcher struct {
	httpClient *http.Client
	endpoint   string
}

// NewFetcher creates a subgraph fetcher for the given endpoint.
func NewFetcher(endpoint string) (*Fetcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("pool: subgraph endpoint required")
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   endpoint,
	}, nil
}

// WithHTTPClient overrides the transport, mainly for tests.
func (f *Fetcher) WithHTTPClient(hc *http.Client) *Fetcher {
	f.httpClient = hc
	return f
}

// Fetch returns the raw snapshot for one pool, windowed to the 30 days
// before now.
func (f *Fetcher) Fetch(ctx context.Context, poolID string, now time.Time) (Data, error) {
	end := now.Unix()
	start := now.Add(-fetchWindow).Unix()

	body, err := json.Marshal(map[string]any{
		"query": snapshotQuery,
		"variables": map[string]any{
			"id":         poolID,
			"startTime":  start,
			"endTime":    end,
			"startTime1": strconv.FormatInt(start, 10),
			"endTime1":   strconv.FormatInt(end, 10),
		},
	})
	if err != nil {
		return Data{}, fmt.Errorf("pool: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return Data{}, fmt.Errorf("pool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Data{}, fmt.Errorf("pool: query subgraph: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Data{}, fmt.Errorf("pool: subgraph returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			Pool *Data `json:"pool"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Data{}, fmt.Errorf("pool: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return Data{}, fmt.Errorf("pool: subgraph error: %s", envelope.Errors[0].Message)
	}
	if envelope.Data.Pool == nil {
		return Data{}, fmt.Errorf("pool: pool %s not found", poolID)
	}
	return *envelope.Data.Pool, nil
}
