// Package bitcoin 实现 Bitcoin P2PKH 交易的规划与签名。
package bitcoin

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/aegis-sign/anysigner/internal/anysigner"
	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/internal/utxoproto"
)

const privateKeySize = 32

// Signer 对 P2PKH 输入签名，实现 anysigner.ChainSigner 与 anysigner.UTXOChain。
type Signer struct {
	params        *chaincfg.Params
	relayFeePerKb btcutil.Amount
	logger        *slog.Logger
}

// Option 定义可选参数。
type Option func(*Signer)

// WithParams 指定网络参数，默认主网。
func WithParams(params *chaincfg.Params) Option {
	return func(s *Signer) {
		if params != nil {
			s.params = params
		}
	}
}

// WithRelayFee 指定计算 dust 使用的最低转发费率。
func WithRelayFee(perKb btcutil.Amount) Option {
	return func(s *Signer) {
		if perKb > 0 {
			s.relayFeePerKb = perKb
		}
	}
}

// WithLogger 注入结构化日志。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 创建 Bitcoin 签名器。
func New(opts ...Option) *Signer {
	s := &Signer{
		params:        &chaincfg.MainNetParams,
		relayFeePerKb: txrules.DefaultRelayFeePerKb,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FeeEstimator 按序列化体积乘以每字节费率估算手续费。
func (s *Signer) FeeEstimator(byteFee int64) planner.FeeEstimator {
	return planner.FeeFunc(func(inputs, outputs int) int64 {
		txOuts := make([]*wire.TxOut, outputs)
		for i := range txOuts {
			txOuts[i] = &wire.TxOut{PkScript: make([]byte, txsizes.P2PKHPkScriptSize)}
		}
		return planner.SizeFee(int64(txsizes.EstimateSerializeSize(inputs, txOuts, false)), byteFee)
	})
}

// DustThreshold 返回 P2PKH 输出的 dust 阈值。
func (s *Signer) DustThreshold(int64) int64 {
	return int64(txrules.GetDustThreshold(txsizes.P2PKHPkScriptSize, s.relayFeePerKb))
}

// Sign 规划并签名交易，规划失败写入输出的 error 字段。
func (s *Signer) Sign(ctx context.Context, input []byte) ([]byte, error) {
	in, err := utxoproto.UnmarshalSigningInput(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", anysigner.ErrInvalidInput, err)
	}
	keys, err := loadKeys(in.PrivateKeys)
	if err != nil {
		return nil, err
	}
	if in.ByteFee < 0 {
		return nil, fmt.Errorf("%w: negative byte fee", anysigner.ErrInvalidInput)
	}

	plan := planner.Build(in.PlanRequest(s.FeeEstimator(in.ByteFee), s.DustThreshold(in.ByteFee)))
	if plan.Error != "" {
		return utxoproto.SigningOutput{Error: plan.Error}.Marshal(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.buildTx(plan)
	if err != nil {
		return nil, err
	}
	for i, utxo := range plan.Inputs {
		key, err := keys.lookup(utxo.Script, s.params)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		sigScript, err := txscript.SignatureScript(tx, i, utxo.Script, txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	txid := tx.TxHash().String()
	s.logger.Debug("bitcoin transaction signed",
		slog.String("txid", txid),
		slog.Int("inputs", len(tx.TxIn)),
		slog.Int64("fee", plan.Fee),
	)
	return utxoproto.SigningOutput{Encoded: buf.Bytes(), TransactionID: txid}.Marshal(), nil
}

func (s *Signer) buildTx(plan planner.Plan) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, utxo := range plan.Inputs {
		outPoint := utxo.OutPoint
		tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	}
	outputs := plan.Outputs
	if plan.Change != nil {
		outputs = append(outputs[:len(outputs):len(outputs)], *plan.Change)
	}
	for _, out := range outputs {
		pkScript, err := s.payToAddress(out.Address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(out.Amount, pkScript))
	}
	return tx, nil
}

func (s *Signer) payToAddress(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", anysigner.ErrInvalidInput, address, err)
	}
	if !addr.IsForNet(s.params) {
		return nil, fmt.Errorf("%w: address %q is not for %s", anysigner.ErrInvalidInput, address, s.params.Name)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", anysigner.ErrInvalidInput, address, err)
	}
	return pkScript, nil
}

// keyring 以压缩公钥的 hash160 索引私钥。
type keyring map[string]*btcec.PrivateKey

func loadKeys(raw [][]byte) (keyring, error) {
	keys := make(keyring, len(raw))
	for i, k := range raw {
		if len(k) != privateKeySize {
			return nil, fmt.Errorf("%w: private key %d must be %d bytes", anysigner.ErrInvalidInput, i, privateKeySize)
		}
		priv, pub := btcec.PrivKeyFromBytes(k)
		keys[string(btcutil.Hash160(pub.SerializeCompressed()))] = priv
	}
	return keys, nil
}

func (k keyring) lookup(pkScript []byte, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || class != txscript.PubKeyHashTy || len(addrs) != 1 {
		return nil, fmt.Errorf("%w: only P2PKH inputs can be signed", anysigner.ErrInvalidInput)
	}
	pkh, ok := addrs[0].(*btcutil.AddressPubKeyHash)
	if !ok {
		return nil, fmt.Errorf("%w: only P2PKH inputs can be signed", anysigner.ErrInvalidInput)
	}
	key, ok := k[string(pkh.Hash160()[:])]
	if !ok {
		return nil, fmt.Errorf("%w: no private key for %s", anysigner.ErrInvalidInput, pkh.EncodeAddress())
	}
	return key, nil
}
