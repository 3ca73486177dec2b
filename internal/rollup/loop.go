package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/degenlabs/degenshield/internal/accounts"
)

// Loop is the node's perpetual request driver.
//
// Each cycle reports the previous outcome through /finish, receives the next
// request, and processes it fully before the next cycle begins. Execution is
// strictly serial: determinism across replicas depends on every node seeing
// the same inputs in the same order with no interleaving.
type Loop struct {
	client   *Client
	dispatch *Dispatcher
	accounts *accounts.Registry
	logger   *slog.Logger
}

// NewLoop creates the request loop.
func NewLoop(client *Client, dispatch *Dispatcher, registry *accounts.Registry, logger *slog.Logger) *Loop {
	return &Loop{client: client, dispatch: dispatch, accounts: registry, logger: logger}
}

// Run drives the loop until ctx is cancelled or the host becomes
// unreachable. There is no other exit.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("request loop starting")

	status := StatusAccept
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := l.client.Finish(ctx, status)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rollup: finish cycle: %w", err)
		}
		if req == nil {
			// 202: nothing pending yet. Re-report the same status.
			l.logger.Debug("no pending request")
			continue
		}

		switch req.Type {
		case RequestAdvance:
			var adv AdvanceRequest
			if err := json.Unmarshal(req.Data, &adv); err != nil {
				l.logger.Error("malformed advance request body", "error", err)
				status = StatusReject
				continue
			}
			status = l.dispatch.Dispatch(ctx, adv)

		case RequestInspect:
			var ins InspectRequest
			if err := json.Unmarshal(req.Data, &ins); err != nil {
				l.logger.Error("malformed inspect request body", "error", err)
				continue
			}
			// Inspect is read-only and never changes the reported outcome.
			l.handleInspect(ctx, ins)

		default:
			l.logger.Error("unknown request type", "type", string(req.Type))
		}
	}
}

// handleInspect answers read-only queries through reports. The query payload
// is a plain string: an address asks for that account's login state, and
// "accounts" asks for the registry size.
func (l *Loop) handleInspect(ctx context.Context, ins InspectRequest) {
	raw, err := hexutil.Decode(ins.Payload)
	if err != nil {
		l.logger.Error("malformed inspect payload", "error", err)
		return
	}
	query := strings.TrimSpace(string(raw))
	l.logger.Info("inspect request", "query", query)

	var body any
	switch {
	case common.IsHexAddress(query):
		addr := common.HexToAddress(query)
		seenAt, ok := l.accounts.Get(addr)
		resp := map[string]any{"address": addr.Hex(), "hasLoggedIn": ok}
		if ok {
			resp["lastSeenAt"] = seenAt.Unix()
		}
		body = resp
	case query == "accounts":
		body = map[string]any{"accounts": l.accounts.Len()}
	default:
		body = map[string]any{"error": fmt.Sprintf("unknown inspect query %q", query)}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		l.logger.Error("failed to encode inspect response", "error", err)
		return
	}
	if err := l.client.Report(ctx, payload); err != nil {
		l.logger.Error("failed to emit inspect report", "error", err)
	}
}
