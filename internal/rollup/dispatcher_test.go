package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/degenlabs/degenshield/internal/accounts"
	"github.com/degenlabs/degenshield/internal/codec"
	"github.com/degenlabs/degenshield/internal/risk"
)

// mockEmitter captures notices and reports instead of hitting the host.
type mockEmitter struct {
	notices   []hexutil.Bytes
	reports   []hexutil.Bytes
	noticeErr error
}

func (m *mockEmitter) Notice(_ context.Context, payload hexutil.Bytes) error {
	if m.noticeErr != nil {
		return m.noticeErr
	}
	m.notices = append(m.notices, payload)
	return nil
}

func (m *mockEmitter) Report(_ context.Context, payload hexutil.Bytes) error {
	m.reports = append(m.reports, payload)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func advanceWith(t *testing.T, op codec.Operation, msg any) AdvanceRequest {
	t.Helper()
	payload, err := codec.Encode(op, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return AdvanceRequest{
		Metadata: Metadata{
			MsgSender: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
			Timestamp: 1700000000,
		},
		Payload: hexutil.Encode(payload),
	}
}

func TestDispatchLogin(t *testing.T) {
	emitter := &mockEmitter{}
	registry := accounts.NewRegistry()
	d := NewDispatcher(emitter, registry, testLogger())

	adv := advanceWith(t, codec.OpLogin, nil)
	if got := d.Dispatch(context.Background(), adv); got != StatusAccept {
		t.Fatalf("Dispatch = %s, want accept", got)
	}

	// Login emits no result record.
	if len(emitter.notices) != 0 {
		t.Errorf("login emitted %d notices, want 0", len(emitter.notices))
	}

	seenAt, ok := registry.Get(adv.Metadata.MsgSender)
	if !ok {
		t.Fatal("sender not registered after login")
	}
	if seenAt.Unix() != adv.Metadata.Timestamp {
		t.Errorf("stored time %d, want metadata time %d", seenAt.Unix(), adv.Metadata.Timestamp)
	}

	// A repeat login stays accepted and bumps the stored time.
	adv2 := adv
	adv2.Metadata.Timestamp = 1700000060
	if got := d.Dispatch(context.Background(), adv2); got != StatusAccept {
		t.Fatalf("repeat Dispatch = %s, want accept", got)
	}
	seenAt, _ = registry.Get(adv.Metadata.MsgSender)
	if seenAt.Unix() != 1700000060 {
		t.Errorf("stored time %d not overwritten on repeat login", seenAt.Unix())
	}
}

func TestDispatchAnalyzeRisk(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	input := risk.Input{
		TxnCount:          100,
		ContractAgeInDays: 30,
		Price:             0.05,
		MarketCap:         250000,
		Volume:            10000,
		TopHolders:        []risk.Holder{{Address: "0x1", Percentage: 40}},
	}
	adv := advanceWith(t, codec.OpAnalyzeRisk, input)

	if got := d.Dispatch(context.Background(), adv); got != StatusAccept {
		t.Fatalf("Dispatch = %s, want accept", got)
	}
	if len(emitter.notices) != 1 {
		t.Fatalf("got %d notices, want 1", len(emitter.notices))
	}

	var report risk.Report
	if err := json.Unmarshal(emitter.notices[0], &report); err != nil {
		t.Fatalf("notice payload is not a risk report: %v", err)
	}
	if len(report.DetailedScores) != 7 {
		t.Errorf("report has %d entries, want 7", len(report.DetailedScores))
	}
	if report.FinalScore < 0 || report.FinalScore > 100 {
		t.Errorf("final score %v out of range", report.FinalScore)
	}
}

func TestDispatchAnalyzeRiskInvalidInput(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.OpAnalyzeRisk, map[string]any{"volume": -5})
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject", got)
	}
	if len(emitter.notices) != 0 {
		t.Error("invalid input still emitted a notice")
	}
	if len(emitter.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(emitter.reports))
	}
}

func TestDispatchAnalyzeRiskMalformedMsg(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.OpAnalyzeRisk, "not an object")
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject", got)
	}
	if len(emitter.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(emitter.reports))
	}
}

func TestDispatchAnalyzePool(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.OpAnalyzePool, map[string]any{
		"id":                  "0xpool",
		"token0":              map[string]string{"symbol": "WETH"},
		"token1":              map[string]string{"symbol": "USDC"},
		"totalValueLockedUSD": "1000000",
		"poolHourData":        []map[string]any{{"volumeUSD": "5000", "periodStartUnix": 1699990000}},
	})

	if got := d.Dispatch(context.Background(), adv); got != StatusAccept {
		t.Fatalf("Dispatch = %s, want accept", got)
	}
	if len(emitter.notices) != 1 {
		t.Fatalf("got %d notices, want 1", len(emitter.notices))
	}

	var analytics map[string]json.RawMessage
	if err := json.Unmarshal(emitter.notices[0], &analytics); err != nil {
		t.Fatalf("notice payload is not pool analytics: %v", err)
	}
	for _, block := range []string{"basic", "advanced", "trading", "historical"} {
		if _, ok := analytics[block]; !ok {
			t.Errorf("analytics missing %q block", block)
		}
	}
}

func TestDispatchBatchRejected(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.OpBatch, []any{})
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject", got)
	}
	if len(emitter.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(emitter.reports))
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.Operation("MOON_IT"), nil)
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject", got)
	}

	var report map[string]string
	if err := json.Unmarshal(emitter.reports[0], &report); err != nil {
		t.Fatalf("report payload: %v", err)
	}
	if report["operation"] != "MOON_IT" {
		t.Errorf("report names operation %q", report["operation"])
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	emitter := &mockEmitter{}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := AdvanceRequest{Payload: "0x6e6f74206a736f6e"} // "not json"
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject", got)
	}
	if len(emitter.reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(emitter.reports))
	}
}

func TestDispatchNoticeFailureRejects(t *testing.T) {
	emitter := &mockEmitter{noticeErr: errors.New("host gone")}
	d := NewDispatcher(emitter, accounts.NewRegistry(), testLogger())

	adv := advanceWith(t, codec.OpAnalyzeRisk, risk.Input{Price: 1})
	if got := d.Dispatch(context.Background(), adv); got != StatusReject {
		t.Fatalf("Dispatch = %s, want reject when notice emission fails", got)
	}
}
