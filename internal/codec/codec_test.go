package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := map[string]any{
		"txnCount":          float64(42),
		"contractAgeInDays": 12.5,
		"price":             0.003,
		"topHolders": []any{
			map[string]any{"address": "0xabc", "percentage": 12.0},
		},
		"marketCap": 1000000.0,
		"volume":    25000.0,
	}

	payload, err := Encode(OpAnalyzeRisk, msg)
	require.NoError(t, err)

	env, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, OpAnalyzeRisk, env.Operation)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Msg, &got))
	require.Equal(t, msg, got)
}

func TestEncodeLoginNilMsg(t *testing.T) {
	payload, err := Encode(OpLogin, nil)
	require.NoError(t, err)

	env, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, OpLogin, env.Operation)
	require.JSONEq(t, "null", string(env.Msg))
}

func TestDecodeHexFraming(t *testing.T) {
	payload, err := Encode(OpLogin, nil)
	require.NoError(t, err)

	// The host delivers the payload as a 0x-prefixed hex string.
	env, err := DecodeHex(hexutil.Encode(payload))
	require.NoError(t, err)
	require.Equal(t, OpLogin, env.Operation)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("not a document"),
		"json scalar":  []byte(`42`),
		"missing tag":  []byte(`{"msg":{}}`),
		"empty bytes":  {},
		"wrong shapes": []byte(`[1,2,3]`),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
		})
	}
}

func TestDecodeHexMalformedHex(t *testing.T) {
	_, err := DecodeHex("0xzz")
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
}

func TestUnknownOperationIsNotADecodeFailure(t *testing.T) {
	env, err := Decode([]byte(`{"operation":"SELF_DESTRUCT","msg":null}`))
	require.NoError(t, err)
	require.Equal(t, Operation("SELF_DESTRUCT"), env.Operation)
	require.False(t, env.Operation.Known())
}

func TestKnownOperations(t *testing.T) {
	for _, op := range []Operation{OpLogin, OpAnalyzeRisk, OpAnalyzePool, OpBatch} {
		require.True(t, op.Known(), "operation %s", op)
	}
}
