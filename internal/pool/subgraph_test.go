package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetcherFetch(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string `json:"query"`
			Variables struct {
				ID         string `json:"id"`
				StartTime  int64  `json:"startTime"`
				EndTime    int64  `json:"endTime"`
				StartTime1 string `json:"startTime1"`
				EndTime1   string `json:"endTime1"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Variables.ID != "0xpool" {
			t.Errorf("pool id = %q, want 0xpool", req.Variables.ID)
		}
		if got, want := req.Variables.EndTime-req.Variables.StartTime, int64(30*24*3600); got != want {
			t.Errorf("window = %d, want %d", got, want)
		}
		// The BigInt-typed swap bounds mirror the Int-typed ones as strings.
		if req.Variables.StartTime1 != fmt.Sprint(req.Variables.StartTime) {
			t.Errorf("startTime1 = %q, want %d", req.Variables.StartTime1, req.Variables.StartTime)
		}

		fmt.Fprint(w, `{"data":{"pool":{
			"id":"0xpool",
			"token0":{"id":"0xa","symbol":"WETH","decimals":"18"},
			"token1":{"id":"0xb","symbol":"USDC","decimals":"6"},
			"totalValueLockedUSD":"1000000",
			"token0Price":"1850.5","token1Price":"0.00054",
			"volumeUSD":"500000","txCount":"1200","feeTier":"3000","liquidity":"99999",
			"poolHourData":[],"poolDayData":[],"swaps":[]
		}}}`)
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	data, err := f.Fetch(context.Background(), "0xpool", now)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data.Token0.Symbol != "WETH" || data.Token1.Symbol != "USDC" {
		t.Errorf("tokens = %s/%s, want WETH/USDC", data.Token0.Symbol, data.Token1.Symbol)
	}
	if data.TotalValueLockedUSD != "1000000" {
		t.Errorf("tvl = %q", data.TotalValueLockedUSD)
	}
}

func TestFetcherPoolNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"pool":null}}`)
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := f.Fetch(context.Background(), "0xmissing", time.Now()); err == nil {
		t.Fatal("expected error for missing pool")
	}
}

func TestFetcherGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"rate limited"}]}`)
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := f.Fetch(context.Background(), "0xpool", time.Now()); err == nil {
		t.Fatal("expected error from graphql errors")
	}

	if _, err := NewFetcher(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}
