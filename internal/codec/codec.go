// Package codec implements the canonical wire encoding of work items.
//
// A work item travels as the hex byte-string encoding of a JSON document
// {"operation": <tag>, "msg": <payload>}. Anything representable in JSON
// round-trips; callers holding integers above JSON's safe range must
// string-encode them before handing them to Encode.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operation tags the payload of an envelope.
type Operation string

const (
	OpLogin       Operation = "LOGIN"
	OpAnalyzeRisk Operation = "ANALYZE_RISK"
	OpAnalyzePool Operation = "ANALYZE_POOL"
	OpBatch       Operation = "BATCH"
)

// Known reports whether the tag is one the protocol advertises.
// An unknown tag is not a decode failure; the dispatcher decides what
// to do with it.
func (op Operation) Known() bool {
	switch op {
	case OpLogin, OpAnalyzeRisk, OpAnalyzePool, OpBatch:
		return true
	}
	return false
}

// Envelope is the decoded form of a work item payload.
// Msg is kept raw; each handler unmarshals the shape it expects.
type Envelope struct {
	Operation Operation       `json:"operation"`
	Msg       json.RawMessage `json:"msg"`
}

// DecodeError wraps malformed payload bytes or JSON-incompatible structure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes {operation, msg} as JSON and frames it as a 0x-prefixed
// hex byte string suitable for ledger submission.
func Encode(op Operation, msg any) (hexutil.Bytes, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: encode msg: %w", err)
	}
	doc, err := json.Marshal(Envelope{Operation: op, Msg: raw})
	if err != nil {
		return nil, fmt.Errorf("codec: encode envelope: %w", err)
	}
	return hexutil.Bytes(doc), nil
}

// Decode is the inverse of Encode. Malformed bytes or a document that is not
// an {operation, msg} object fail with *DecodeError. An unrecognized
// operation tag decodes fine.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if env.Operation == "" {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("missing operation tag")}
	}
	return env, nil
}

// DecodeHex decodes a 0x-prefixed hex payload string as delivered by the
// rollup host, then decodes the framed document.
func DecodeHex(payload string) (Envelope, error) {
	raw, err := hexutil.Decode(payload)
	if err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	return Decode(raw)
}
