package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/degenlabs/degenshield/internal/accounts"
	"github.com/degenlabs/degenshield/internal/codec"
)

// scriptedHost plays the rollup host: it hands out a fixed sequence of
// requests from /finish and records everything the node sends back.
type scriptedHost struct {
	mu       sync.Mutex
	pending  []Request
	statuses []Status // status reported on each /finish call
	notices  []string
	reports  []string
	onDrain  func() // called when the script is exhausted
}

func (h *scriptedHost) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/finish", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status Status `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		h.mu.Lock()
		h.statuses = append(h.statuses, body.Status)
		if len(h.pending) == 0 {
			drain := h.onDrain
			h.mu.Unlock()
			if drain != nil {
				drain()
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		next := h.pending[0]
		h.pending = h.pending[1:]
		h.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(next)
	})

	record := func(dst *[]string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Payload string `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			h.mu.Lock()
			*dst = append(*dst, body.Payload)
			h.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}
	}
	mux.HandleFunc("/notice", record(&h.notices))
	mux.HandleFunc("/report", record(&h.reports))

	return mux
}

func advanceRequest(t *testing.T, op codec.Operation, msg any, sender string, ts int64) Request {
	t.Helper()
	payload, err := codec.Encode(op, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	adv := AdvanceRequest{
		Metadata: Metadata{MsgSender: addr(sender), Timestamp: ts},
		Payload:  hexutil.Encode(payload),
	}
	raw, err := json.Marshal(adv)
	if err != nil {
		t.Fatalf("marshal advance: %v", err)
	}
	return Request{Type: RequestAdvance, Data: raw}
}

func inspectRequest(t *testing.T, query string) Request {
	t.Helper()
	ins := InspectRequest{Payload: hexutil.Encode([]byte(query))}
	raw, err := json.Marshal(ins)
	if err != nil {
		t.Fatalf("marshal inspect: %v", err)
	}
	return Request{Type: RequestInspect, Data: raw}
}

func newTestLoop(t *testing.T, host *scriptedHost) (*Loop, *accounts.Registry, func()) {
	t.Helper()
	srv := httptest.NewServer(host.handler())
	registry := accounts.NewRegistry()
	client := NewClient(srv.URL)
	loop := NewLoop(client, NewDispatcher(client, registry, testLogger()), registry, testLogger())
	return loop, registry, srv.Close
}

func TestLoopProcessesAdvancesInOrder(t *testing.T) {
	const sender = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	host := &scriptedHost{
		pending: []Request{
			advanceRequest(t, codec.OpLogin, nil, sender, 1700000000),
			advanceRequest(t, codec.Operation("BOGUS"), nil, sender, 1700000010),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	host.onDrain = cancel

	loop, registry, closeSrv := newTestLoop(t, host)
	defer closeSrv()

	err := loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	// The first /finish reports the initial accept, the second reports the
	// login outcome, the third reports the rejected unknown operation.
	// Each outcome lands strictly before the next request is handed over.
	want := []Status{StatusAccept, StatusAccept, StatusReject}
	if len(host.statuses) < len(want) {
		t.Fatalf("got %d finish calls, want at least %d", len(host.statuses), len(want))
	}
	for i, s := range want {
		if host.statuses[i] != s {
			t.Errorf("finish call %d reported %s, want %s", i, host.statuses[i], s)
		}
	}

	if !registry.Has(addr(sender)) {
		t.Error("login advance did not reach the registry")
	}
}

func TestLoopInspectDoesNotChangeOutcome(t *testing.T) {
	const sender = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	host := &scriptedHost{
		pending: []Request{
			advanceRequest(t, codec.Operation("BOGUS"), nil, sender, 1700000000),
			inspectRequest(t, "accounts"),
			inspectRequest(t, sender),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	host.onDrain = cancel

	loop, _, closeSrv := newTestLoop(t, host)
	defer closeSrv()

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	// After the rejected advance, both inspects must re-report reject:
	// read-only requests never overwrite the tracked outcome.
	want := []Status{StatusAccept, StatusReject, StatusReject, StatusReject}
	for i, s := range want {
		if host.statuses[i] != s {
			t.Errorf("finish call %d reported %s, want %s", i, host.statuses[i], s)
		}
	}

	// The unknown-op report plus one report per inspect query.
	if len(host.reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(host.reports))
	}

	var resp map[string]any
	decodeReport(t, host.reports[2], &resp)
	if logged, _ := resp["hasLoggedIn"].(bool); logged {
		t.Error("inspect claims the sender logged in")
	}
}

func TestLoopNoPendingRequestsKeepsCycling(t *testing.T) {
	host := &scriptedHost{}
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	host.onDrain = func() {
		calls++
		if calls >= 3 {
			cancel()
		}
	}

	loop, _, closeSrv := newTestLoop(t, host)
	defer closeSrv()

	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if calls < 3 {
		t.Errorf("loop cycled %d times on 202, want at least 3", calls)
	}
}

func TestLoopHostUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1") // nothing listens here
	registry := accounts.NewRegistry()
	loop := NewLoop(client, NewDispatcher(client, registry, testLogger()), registry, testLogger())

	err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil for unreachable host")
	}
}

func decodeReport(t *testing.T, payload string, dst any) {
	t.Helper()
	raw, err := hexutil.Decode(payload)
	if err != nil {
		t.Fatalf("report payload is not hex: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("report payload is not JSON: %v", err)
	}
}

func addr(s string) common.Address {
	return common.HexToAddress(s)
}
