package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/degenlabs/degenshield/internal/accounts"
	"github.com/degenlabs/degenshield/internal/codec"
	"github.com/degenlabs/degenshield/internal/metrics"
	"github.com/degenlabs/degenshield/internal/pool"
	"github.com/degenlabs/degenshield/internal/risk"
)

// Emitter is the subset of the host client the dispatcher needs.
type Emitter interface {
	Notice(ctx context.Context, payload hexutil.Bytes) error
	Report(ctx context.Context, payload hexutil.Bytes) error
}

// Dispatcher routes decoded work items to their handlers.
//
// Requests the dispatcher cannot act on (malformed payloads, unknown tags,
// the reserved BATCH tag) are rejected with an explanatory report instead of
// being silently accepted. See DESIGN.md for the rationale.
type Dispatcher struct {
	emitter  Emitter
	accounts *accounts.Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher bound to a host emitter and this node's
// account registry.
func NewDispatcher(emitter Emitter, registry *accounts.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{emitter: emitter, accounts: registry, logger: logger}
}

// Dispatch processes one advance request to completion and returns the
// outcome to report to the host.
func (d *Dispatcher) Dispatch(ctx context.Context, adv AdvanceRequest) Status {
	env, err := codec.DecodeHex(adv.Payload)
	if err != nil {
		d.logger.Error("failed to decode advance payload", "error", err, "input_index", adv.Metadata.InputIndex)
		return d.rejectWith(ctx, "unknown", fmt.Sprintf("malformed payload: %v", err))
	}

	logger := d.logger.With(
		"operation", string(env.Operation),
		"sender", adv.Metadata.MsgSender.Hex(),
		"input_index", adv.Metadata.InputIndex,
	)

	var status Status
	switch env.Operation {
	case codec.OpLogin:
		status = d.handleLogin(adv, logger)
	case codec.OpAnalyzeRisk:
		status = d.handleAnalyzeRisk(ctx, env.Msg, logger)
	case codec.OpAnalyzePool:
		status = d.handleAnalyzePool(ctx, env.Msg, adv, logger)
	case codec.OpBatch:
		logger.Warn("batch operation not supported")
		status = d.rejectWith(ctx, string(env.Operation), "operation BATCH is not supported")
	default:
		logger.Error("unknown operation tag")
		status = d.rejectWith(ctx, string(env.Operation), fmt.Sprintf("unknown operation %q", env.Operation))
	}

	metrics.InputsProcessedTotal.WithLabelValues(string(env.Operation), string(status)).Inc()
	return status
}

func (d *Dispatcher) handleLogin(adv AdvanceRequest, logger *slog.Logger) Status {
	isNew, seenAt := d.accounts.Login(adv.Metadata.MsgSender, adv.Metadata.Time())
	logger.Info("login processed", "new_user", isNew, "seen_at", seenAt)
	return StatusAccept
}

func (d *Dispatcher) handleAnalyzeRisk(ctx context.Context, msg json.RawMessage, logger *slog.Logger) Status {
	var input risk.Input
	if err := json.Unmarshal(msg, &input); err != nil {
		logger.Error("failed to decode risk input", "error", err)
		return d.rejectWith(ctx, string(codec.OpAnalyzeRisk), fmt.Sprintf("malformed risk input: %v", err))
	}

	report, err := risk.Score(input)
	if err != nil {
		logger.Error("scoring failed", "error", err)
		return d.rejectWith(ctx, string(codec.OpAnalyzeRisk), fmt.Sprintf("scoring failed: %v", err))
	}

	payload, err := json.Marshal(report)
	if err != nil {
		logger.Error("failed to encode risk report", "error", err)
		return d.rejectWith(ctx, string(codec.OpAnalyzeRisk), "internal: encode risk report")
	}

	if err := d.emitter.Notice(ctx, payload); err != nil {
		logger.Error("failed to emit notice", "error", err)
		return StatusReject
	}
	metrics.NoticesEmittedTotal.Inc()

	logger.Info("risk report emitted", "final_score", report.FinalScore)
	return StatusAccept
}

func (d *Dispatcher) handleAnalyzePool(ctx context.Context, msg json.RawMessage, adv AdvanceRequest, logger *slog.Logger) Status {
	var data pool.Data
	if err := json.Unmarshal(msg, &data); err != nil {
		logger.Error("failed to decode pool data", "error", err)
		return d.rejectWith(ctx, string(codec.OpAnalyzePool), fmt.Sprintf("malformed pool data: %v", err))
	}

	// The metadata timestamp anchors the 24h swap window so replicas agree.
	analytics := pool.Process(data, adv.Metadata.Time())

	payload, err := json.Marshal(analytics)
	if err != nil {
		logger.Error("failed to encode pool analytics", "error", err)
		return d.rejectWith(ctx, string(codec.OpAnalyzePool), "internal: encode pool analytics")
	}

	if err := d.emitter.Notice(ctx, payload); err != nil {
		logger.Error("failed to emit notice", "error", err)
		return StatusReject
	}
	metrics.NoticesEmittedTotal.Inc()

	logger.Info("pool analytics emitted", "pool", data.ID)
	return StatusAccept
}

// rejectWith emits a diagnostic report explaining the rejection. A report
// failure is only logged; the reject outcome already stands on its own.
func (d *Dispatcher) rejectWith(ctx context.Context, operation, reason string) Status {
	body, err := json.Marshal(map[string]string{
		"error":     reason,
		"operation": operation,
	})
	if err == nil {
		if rerr := d.emitter.Report(ctx, body); rerr != nil {
			d.logger.Error("failed to emit report", "error", rerr)
		} else {
			metrics.ReportsEmittedTotal.Inc()
		}
	}
	return StatusReject
}
