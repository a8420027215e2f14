package anysigner

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/anysigner/internal/coin"
	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/internal/utxoproto"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

const (
	coinUTXO       coin.Type = 0
	coinAccount    coin.Type = 60
	coinSignOnly   coin.Type = 148
	coinDeclaredJS coin.Type = 501
	coinNoCaps     coin.Type = 7
	coinUTXOSign   coin.Type = 2
)

type stubSigner struct {
	signFn func(ctx context.Context, input []byte) ([]byte, error)
	calls  int
}

func (s *stubSigner) Sign(ctx context.Context, input []byte) ([]byte, error) {
	s.calls++
	if s.signFn != nil {
		return s.signFn(ctx, input)
	}
	return append([]byte("signed:"), input...), nil
}

type stubJSONSigner struct {
	stubSigner
	signJSONFn func(ctx context.Context, json string, key []byte) (string, error)
}

func (s *stubJSONSigner) SignJSON(ctx context.Context, json string, key []byte) (string, error) {
	if s.signJSONFn != nil {
		return s.signJSONFn(ctx, json, key)
	}
	return "json:" + json, nil
}

type stubUTXOChain struct {
	stubJSONSigner
	fee  planner.FeeEstimator
	dust int64
}

func (s *stubUTXOChain) FeeEstimator(int64) planner.FeeEstimator { return s.fee }
func (s *stubUTXOChain) DustThreshold(int64) int64               { return s.dust }

func testRegistry(t *testing.T) *coin.Registry {
	t.Helper()
	reg, err := coin.NewRegistry(
		coin.Descriptor{Type: coinUTXO, Name: "Bitcoin", Family: coin.FamilyUTXO, Capabilities: coin.CapabilitySign | coin.CapabilityPlan, DustThreshold: 546},
		coin.Descriptor{Type: coinAccount, Name: "Ethereum", Family: coin.FamilyAccount, Capabilities: coin.CapabilitySign | coin.CapabilitySignJSON},
		coin.Descriptor{Type: coinSignOnly, Name: "Stellar", Family: coin.FamilyAccount, Capabilities: coin.CapabilitySign},
		coin.Descriptor{Type: coinDeclaredJS, Name: "Solana", Family: coin.FamilyAccount, Capabilities: coin.CapabilitySign | coin.CapabilitySignJSON},
		coin.Descriptor{Type: coinNoCaps, Name: "Quiet", Family: coin.FamilyAccount},
		coin.Descriptor{Type: coinUTXOSign, Name: "Litecoin", Family: coin.FamilyUTXO, Capabilities: coin.CapabilitySign, DustThreshold: 546},
	)
	require.NoError(t, err)
	return reg
}

func newSigner(t *testing.T, opts ...Option) *AnySigner {
	t.Helper()
	opts = append(opts, WithRegisterer(prometheus.NewRegistry()))
	s, err := New(testRegistry(t), opts...)
	require.NoError(t, err)
	return s
}

func scenarioUTXOs() []planner.UnspentOutput {
	return []planner.UnspentOutput{
		{OutPoint: wire.OutPoint{Hash: chainhash.Hash{'A'}}, Amount: 50000},
		{OutPoint: wire.OutPoint{Hash: chainhash.Hash{'B'}}, Amount: 30000},
		{OutPoint: wire.OutPoint{Hash: chainhash.Hash{'C'}}, Amount: 10000},
	}
}

func TestNewValidatesBindings(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(testRegistry(t), WithRegisterer(prometheus.NewRegistry()), WithChain(99999, &stubSigner{}))
	require.Error(t, err)
	require.True(t, errors.Is(err, coin.ErrUnknownCoin))

	_, err = New(testRegistry(t), WithRegisterer(prometheus.NewRegistry()), WithChain(coinAccount, nil))
	require.Error(t, err)

	_, err = New(testRegistry(t), WithRegisterer(prometheus.NewRegistry()),
		WithChain(coinAccount, &stubSigner{}), WithChain(coinAccount, &stubSigner{}))
	require.Error(t, err)
}

func TestSignDelegatesUnmodified(t *testing.T) {
	var seen []byte
	chain := &stubSigner{signFn: func(_ context.Context, input []byte) ([]byte, error) {
		seen = input
		return []byte{0xde, 0xad}, nil
	}}
	s := newSigner(t, WithChain(coinAccount, chain))

	input := []byte{1, 2, 3}
	out, err := s.Sign(context.Background(), input, coinAccount)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad}, out)
	require.Equal(t, input, seen)
	require.Equal(t, 1, chain.calls)
}

func TestSignUnknownCoin(t *testing.T) {
	chain := &stubSigner{}
	s := newSigner(t, WithChain(coinAccount, chain))

	_, err := s.Sign(context.Background(), []byte{1}, 99999)
	require.True(t, apierrors.Is(err, apierrors.CodeUnknownCoin))
	require.True(t, errors.Is(err, coin.ErrUnknownCoin))
	require.Zero(t, chain.calls)
}

func TestSignUnsupported(t *testing.T) {
	chain := &stubSigner{}
	s := newSigner(t, WithChain(coinNoCaps, chain))

	_, err := s.Sign(context.Background(), []byte{1}, coinNoCaps)
	require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation))
	require.Zero(t, chain.calls)

	_, err = s.Sign(context.Background(), []byte{1}, coinSignOnly)
	require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation), "declared but unbound")
}

func TestSignClassifiesSignerErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apierrors.Code
	}{
		{"sentinel invalid input", errors.Join(ErrInvalidInput, errors.New("bad rlp")), apierrors.CodeInvalidInput},
		{"coded invalid input", apierrors.New(apierrors.CodeInvalidInput, "bad"), apierrors.CodeInvalidInput},
		{"retry later", apierrors.New(apierrors.CodeRetryLater, "busy"), apierrors.CodeRetryLater},
		{"anything else", errors.New("hsm offline"), apierrors.CodeInternalSigningError},
		{"coded unknown coin from remote", apierrors.New(apierrors.CodeUnknownCoin, "remote"), apierrors.CodeInternalSigningError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := &stubSigner{signFn: func(context.Context, []byte) ([]byte, error) { return nil, tc.err }}
			s := newSigner(t, WithChain(coinAccount, chain))
			out, err := s.Sign(context.Background(), []byte{1}, coinAccount)
			require.Nil(t, out)
			require.Equal(t, tc.want, apierrors.CodeOf(err))
		})
	}
}

func TestSignJSON(t *testing.T) {
	chain := &stubJSONSigner{signJSONFn: func(_ context.Context, json string, key []byte) (string, error) {
		require.Equal(t, []byte{9}, key)
		return "signed " + json, nil
	}}
	s := newSigner(t, WithChain(coinAccount, chain))

	supported, err := s.SupportsJSON(coinAccount)
	require.NoError(t, err)
	require.True(t, supported)

	out, err := s.SignJSON(context.Background(), `{"nonce":"0x1"}`, []byte{9}, coinAccount)
	require.NoError(t, err)
	require.Equal(t, `signed {"nonce":"0x1"}`, out)
}

func TestSignJSONRequiresDeclaredCapability(t *testing.T) {
	// 链实现了 JSONSigner，但只声明了 {Sign, Plan}。
	chain := &stubUTXOChain{}
	s := newSigner(t, WithChain(coinUTXO, chain))

	supported, err := s.SupportsJSON(coinUTXO)
	require.NoError(t, err)
	require.False(t, supported)

	_, err = s.SignJSON(context.Background(), "{}", []byte{1}, coinUTXO)
	require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation))
}

func TestSignJSONRequiresImplementation(t *testing.T) {
	s := newSigner(t, WithChain(coinDeclaredJS, &stubSigner{}))

	supported, err := s.SupportsJSON(coinDeclaredJS)
	require.NoError(t, err)
	require.False(t, supported)

	_, err = s.SignJSON(context.Background(), "{}", []byte{1}, coinDeclaredJS)
	require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation))
}

func TestSignJSONSignerError(t *testing.T) {
	chain := &stubJSONSigner{signJSONFn: func(context.Context, string, []byte) (string, error) {
		return "", ErrInvalidInput
	}}
	s := newSigner(t, WithChain(coinAccount, chain))

	out, err := s.SignJSON(context.Background(), "not json", []byte{1}, coinAccount)
	require.Empty(t, out)
	require.True(t, apierrors.Is(err, apierrors.CodeInvalidInput))
}

func TestSupportsJSONUnknownCoin(t *testing.T) {
	s := newSigner(t)
	supported, err := s.SupportsJSON(99999)
	require.False(t, supported)
	require.True(t, apierrors.Is(err, apierrors.CodeUnknownCoin))

	_, err = s.SignJSON(context.Background(), "{}", nil, 99999)
	require.True(t, apierrors.Is(err, apierrors.CodeUnknownCoin))
}

func TestPlanUsesChainFeeModel(t *testing.T) {
	chain := &stubUTXOChain{
		fee:  planner.FeeFunc(func(in, out int) int64 { return int64(350*in + 150*out) }),
		dust: 546,
	}
	s := newSigner(t, WithChain(coinUTXO, chain))

	input := utxoproto.SigningInput{
		ByteFee:       1,
		ChangeAddress: "change",
		Outputs:       []planner.Output{{Amount: 70000, Address: "X"}},
		UTXOs:         scenarioUTXOs(),
	}
	raw, err := s.Plan(context.Background(), input.Marshal(), coinUTXO)
	require.NoError(t, err)

	plan, err := utxoproto.DecodePlan(raw)
	require.NoError(t, err)
	require.Empty(t, plan.Error)
	require.Len(t, plan.Inputs, 2)
	require.Equal(t, int64(1000), plan.Fee)
	require.Equal(t, &planner.Output{Amount: 9000, Address: "change"}, plan.Change)
	require.Zero(t, chain.calls)
}

func TestPlanFallsBackToLinearFee(t *testing.T) {
	s := newSigner(t)

	input := utxoproto.SigningInput{
		ByteFee:      2,
		Outputs:      []planner.Output{{Address: "X"}},
		UTXOs:        scenarioUTXOs(),
		UseMaxAmount: true,
	}
	raw, err := s.Plan(context.Background(), input.Marshal(), coinUTXO)
	require.NoError(t, err)

	plan, err := utxoproto.DecodePlan(raw)
	require.NoError(t, err)
	wantFee := planner.LinearFee{ByteFee: 2}.Fee(3, 1)
	require.Equal(t, wantFee, plan.Fee)
	require.Equal(t, 90000-wantFee, plan.Outputs[0].Amount)
}

func TestPlanCarriesPlanningErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := New(testRegistry(t), WithRegisterer(reg))
	require.NoError(t, err)

	input := utxoproto.SigningInput{
		ByteFee:       1,
		ChangeAddress: "change",
		Outputs:       []planner.Output{{Amount: 1_000_000, Address: "X"}},
		UTXOs:         scenarioUTXOs(),
	}
	raw, err := s.Plan(context.Background(), input.Marshal(), coinUTXO)
	require.NoError(t, err)
	plan, err := utxoproto.DecodePlan(raw)
	require.NoError(t, err)
	require.Equal(t, apierrors.CodeInsufficientFunds, plan.Error)
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("0", opPlan, string(apierrors.CodeInsufficientFunds))))

	input.ByteFee = -1
	raw, err = s.Plan(context.Background(), input.Marshal(), coinUTXO)
	require.NoError(t, err)
	plan, err = utxoproto.DecodePlan(raw)
	require.NoError(t, err)
	require.Equal(t, apierrors.CodeInvalidInput, plan.Error)
}

func TestPlanRejections(t *testing.T) {
	s := newSigner(t)

	_, err := s.Plan(context.Background(), nil, 99999)
	require.True(t, apierrors.Is(err, apierrors.CodeUnknownCoin))

	_, err = s.Plan(context.Background(), nil, coinAccount)
	require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation))

	_, err = s.Plan(context.Background(), []byte{0xff}, coinUTXO)
	require.True(t, apierrors.Is(err, apierrors.CodeInvalidInput))
	require.True(t, errors.Is(err, utxoproto.ErrMalformed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	raw, err := s.Plan(ctx, validPlanInput().Marshal(), coinUTXO)
	require.NoError(t, err)
	plan, err := utxoproto.DecodePlan(raw)
	require.NoError(t, err)
	require.Empty(t, plan.Error)
}

func TestPlanUnsupportedRegardlessOfInput(t *testing.T) {
	s := newSigner(t, WithChain(coinUTXOSign, &stubSigner{}), WithChain(coinAccount, &stubJSONSigner{}))
	valid := validPlanInput().Marshal()

	for _, c := range []coin.Type{coinUTXOSign, coinAccount, coinSignOnly, coinNoCaps} {
		for name, input := range map[string][]byte{"nil": nil, "valid": valid, "malformed": {0xff}} {
			_, err := s.Plan(context.Background(), input, c)
			require.True(t, apierrors.Is(err, apierrors.CodeUnsupportedOperation), "coin %d input %s: %v", c, name, err)
		}
	}
	require.Equal(t, 3.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("2", opPlan, string(apierrors.CodeUnsupportedOperation))))

	caps, err := s.Capabilities(coinUTXOSign)
	require.NoError(t, err)
	require.False(t, caps.Has(coin.CapabilityPlan))
}

func validPlanInput() utxoproto.SigningInput {
	return utxoproto.SigningInput{
		ByteFee:       1,
		ChangeAddress: "change",
		Outputs:       []planner.Output{{Amount: 10000, Address: "X"}},
		UTXOs:         scenarioUTXOs(),
	}
}

func TestCapabilities(t *testing.T) {
	s := newSigner(t, WithChain(coinAccount, &stubJSONSigner{}), WithChain(coinDeclaredJS, &stubSigner{}))

	caps, err := s.Capabilities(coinAccount)
	require.NoError(t, err)
	require.Equal(t, coin.CapabilitySign|coin.CapabilitySignJSON, caps)

	caps, err = s.Capabilities(coinDeclaredJS)
	require.NoError(t, err)
	require.Equal(t, coin.CapabilitySign, caps)

	caps, err = s.Capabilities(coinUTXO)
	require.NoError(t, err)
	require.Equal(t, coin.CapabilityPlan, caps)

	_, err = s.Capabilities(99999)
	require.True(t, apierrors.Is(err, apierrors.CodeUnknownCoin))
}

func TestMetricsRecordOutcomes(t *testing.T) {
	s := newSigner(t, WithChain(coinAccount, &stubSigner{}))

	_, err := s.Sign(context.Background(), []byte{1}, coinAccount)
	require.NoError(t, err)
	_, err = s.Sign(context.Background(), []byte{1}, 99999)
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues("60", opSign, outcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requests.WithLabelValues(unknownCoin, opSign, string(apierrors.CodeUnknownCoin))))
}
