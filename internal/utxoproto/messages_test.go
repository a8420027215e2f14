package utxoproto

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

func sampleInput() SigningInput {
	return SigningInput{
		ByteFee:       12,
		ChangeAddress: "1change",
		Outputs:       []planner.Output{{Amount: 70000, Address: "1dest"}},
		UTXOs: []planner.UnspentOutput{
			{OutPoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, Amount: 50000, Script: []byte{0x76}},
			{OutPoint: wire.OutPoint{Hash: chainhash.Hash{2}, Index: 7}, Amount: 30000},
		},
		PrivateKeys: [][]byte{{0xaa, 0xbb}},
	}
}

func TestSigningInputRoundTrip(t *testing.T) {
	in := sampleInput()
	decoded, err := UnmarshalSigningInput(in.Marshal())
	require.NoError(t, err)
	require.Equal(t, in, decoded)

	in.UseMaxAmount = true
	decoded, err = UnmarshalSigningInput(in.Marshal())
	require.NoError(t, err)
	require.True(t, decoded.UseMaxAmount)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	raw := sampleInput().Marshal()
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendString(raw, "future field")
	raw = protowire.AppendTag(raw, 100, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 5)

	decoded, err := UnmarshalSigningInput(raw)
	require.NoError(t, err)
	require.Equal(t, sampleInput(), decoded)
}

func TestUnmarshalRejectsMalformedPayloads(t *testing.T) {
	valid := sampleInput().Marshal()

	wrongType := protowire.AppendTag(nil, 1, protowire.BytesType)
	wrongType = protowire.AppendString(wrongType, "12")

	shortHash := protowire.AppendTag(nil, 1, protowire.BytesType)
	shortHash = protowire.AppendBytes(shortHash, []byte{1, 2, 3})
	badUTXO := protowire.AppendTag(nil, 4, protowire.BytesType)
	badUTXO = protowire.AppendBytes(badUTXO, shortHash)

	bigIndex := protowire.AppendTag(nil, 2, protowire.VarintType)
	bigIndex = protowire.AppendVarint(bigIndex, 1<<33)
	badIndex := protowire.AppendTag(nil, 4, protowire.BytesType)
	badIndex = protowire.AppendBytes(badIndex, bigIndex)

	cases := map[string][]byte{
		"truncated":   valid[:len(valid)-1],
		"bad tag":     {0xff},
		"wrong type":  wrongType,
		"short hash":  badUTXO,
		"big index":   badIndex,
		"bad varint":  {0x08, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"bad skipped": {0xf8, 0x06},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalSigningInput(raw)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestEmptyPayloadDecodesToZeroValue(t *testing.T) {
	in, err := UnmarshalSigningInput(nil)
	require.NoError(t, err)
	require.Equal(t, SigningInput{}, in)
}

func TestPlanEncoding(t *testing.T) {
	plan := planner.Plan{
		Inputs:  sampleInput().UTXOs,
		Outputs: []planner.Output{{Amount: 70000, Address: "1dest"}},
		Change:  &planner.Output{Amount: 9000, Address: "1change"},
		Fee:     1000,
	}
	decoded, err := DecodePlan(EncodePlan(plan))
	require.NoError(t, err)
	require.Equal(t, plan, decoded)

	failed := planner.Plan{Error: apierrors.CodeInsufficientFunds}
	decoded, err = DecodePlan(EncodePlan(failed))
	require.NoError(t, err)
	require.Equal(t, apierrors.CodeInsufficientFunds, decoded.Error)
	require.Nil(t, decoded.Change)
	require.Empty(t, decoded.Inputs)
}

func TestSigningOutputEncoding(t *testing.T) {
	out := SigningOutput{Encoded: []byte{1, 2, 3}, TransactionID: "abcd"}
	decoded, err := UnmarshalSigningOutput(out.Marshal())
	require.NoError(t, err)
	require.Equal(t, out, decoded)

	decoded, err = UnmarshalSigningOutput(SigningOutput{Error: apierrors.CodeInvalidUTXO}.Marshal())
	require.NoError(t, err)
	require.Equal(t, apierrors.CodeInvalidUTXO, decoded.Error)
}

func TestPlanRequest(t *testing.T) {
	in := sampleInput()
	fee := planner.LinearFee{ByteFee: in.ByteFee}
	req := in.PlanRequest(fee, 546)
	require.Equal(t, in.UTXOs, req.UTXOs)
	require.Equal(t, in.Outputs, req.Outputs)
	require.Equal(t, "1change", req.ChangeAddress)
	require.Equal(t, int64(546), req.DustThreshold)
	require.Equal(t, fee, req.Fee)
}
