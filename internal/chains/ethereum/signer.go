// Package ethereum 实现 EVM 链 EIP-155 legacy 交易的签名。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aegis-sign/anysigner/internal/anysigner"
	"github.com/aegis-sign/anysigner/internal/wirefmt"
)

// SigningInput 是 EVM 交易签名输入，数值字段为大端字节。
type SigningInput struct {
	ChainID    []byte
	Nonce      []byte
	GasPrice   []byte
	GasLimit   []byte
	ToAddress  string
	Amount     []byte
	Payload    []byte
	PrivateKey []byte
}

// SigningOutput 是签名结果，Encoded 为 RLP 编码的交易。
type SigningOutput struct {
	Encoded []byte
	V       []byte
	R       []byte
	S       []byte
}

// Marshal 编码签名输入。
func (in SigningInput) Marshal() []byte {
	var b []byte
	b = wirefmt.AppendBytes(b, 1, in.ChainID)
	b = wirefmt.AppendBytes(b, 2, in.Nonce)
	b = wirefmt.AppendBytes(b, 3, in.GasPrice)
	b = wirefmt.AppendBytes(b, 4, in.GasLimit)
	b = wirefmt.AppendString(b, 5, in.ToAddress)
	b = wirefmt.AppendBytes(b, 6, in.Amount)
	b = wirefmt.AppendBytes(b, 7, in.Payload)
	b = wirefmt.AppendBytes(b, 8, in.PrivateKey)
	return b
}

// UnmarshalSigningInput 解码签名输入。
func UnmarshalSigningInput(data []byte) (SigningInput, error) {
	var in SigningInput
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return SigningInput{}, err
		}
		switch num {
		case 1:
			in.ChainID, err = r.CopyBytes(num, typ)
		case 2:
			in.Nonce, err = r.CopyBytes(num, typ)
		case 3:
			in.GasPrice, err = r.CopyBytes(num, typ)
		case 4:
			in.GasLimit, err = r.CopyBytes(num, typ)
		case 5:
			in.ToAddress, err = r.String(num, typ)
		case 6:
			in.Amount, err = r.CopyBytes(num, typ)
		case 7:
			in.Payload, err = r.CopyBytes(num, typ)
		case 8:
			in.PrivateKey, err = r.CopyBytes(num, typ)
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return SigningInput{}, err
		}
	}
	return in, nil
}

// Marshal 编码签名输出。
func (o SigningOutput) Marshal() []byte {
	var b []byte
	b = wirefmt.AppendBytes(b, 1, o.Encoded)
	b = wirefmt.AppendBytes(b, 2, o.V)
	b = wirefmt.AppendBytes(b, 3, o.R)
	b = wirefmt.AppendBytes(b, 4, o.S)
	return b
}

// UnmarshalSigningOutput 解码签名输出。
func UnmarshalSigningOutput(data []byte) (SigningOutput, error) {
	var o SigningOutput
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return SigningOutput{}, err
		}
		switch num {
		case 1:
			o.Encoded, err = r.CopyBytes(num, typ)
		case 2:
			o.V, err = r.CopyBytes(num, typ)
		case 3:
			o.R, err = r.CopyBytes(num, typ)
		case 4:
			o.S, err = r.CopyBytes(num, typ)
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return SigningOutput{}, err
		}
	}
	return o, nil
}

// jsonTx 是 SignJSON 接受的交易描述，数值使用 0x 十六进制。
type jsonTx struct {
	ChainID  *hexutil.Big    `json:"chainId"`
	Nonce    hexutil.Uint64  `json:"nonce"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	GasLimit hexutil.Uint64  `json:"gasLimit"`
	To       *common.Address `json:"to"`
	Value    *hexutil.Big    `json:"value"`
	Data     hexutil.Bytes   `json:"data"`
}

// Signer 签名 EVM legacy 交易，实现 anysigner.ChainSigner 与 anysigner.JSONSigner。
type Signer struct {
	logger *slog.Logger
}

// New 创建 EVM 签名器。
func New(logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{logger: logger}
}

// Sign 签名 protobuf 编码的交易输入。
func (s *Signer) Sign(ctx context.Context, input []byte) ([]byte, error) {
	in, err := UnmarshalSigningInput(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", anysigner.ErrInvalidInput, err)
	}
	gasLimit := new(big.Int).SetBytes(in.GasLimit)
	nonce := new(big.Int).SetBytes(in.Nonce)
	if !gasLimit.IsUint64() || !nonce.IsUint64() {
		return nil, fmt.Errorf("%w: nonce or gas limit overflows uint64", anysigner.ErrInvalidInput)
	}
	var to *common.Address
	if in.ToAddress != "" {
		if !common.IsHexAddress(in.ToAddress) {
			return nil, fmt.Errorf("%w: invalid to address %q", anysigner.ErrInvalidInput, in.ToAddress)
		}
		addr := common.HexToAddress(in.ToAddress)
		to = &addr
	}
	tx := &types.LegacyTx{
		Nonce:    nonce.Uint64(),
		GasPrice: new(big.Int).SetBytes(in.GasPrice),
		Gas:      gasLimit.Uint64(),
		To:       to,
		Value:    new(big.Int).SetBytes(in.Amount),
		Data:     in.Payload,
	}
	signed, err := s.sign(ctx, new(big.Int).SetBytes(in.ChainID), tx, in.PrivateKey)
	if err != nil {
		return nil, err
	}
	encoded, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	v, r, sig := signed.RawSignatureValues()
	return SigningOutput{Encoded: encoded, V: v.Bytes(), R: r.Bytes(), S: sig.Bytes()}.Marshal(), nil
}

// SignJSON 签名 JSON 描述的交易并返回 0x 前缀的 RLP 十六进制。
func (s *Signer) SignJSON(ctx context.Context, raw string, privateKey []byte) (string, error) {
	var req jsonTx
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return "", fmt.Errorf("%w: %v", anysigner.ErrInvalidInput, err)
	}
	if req.ChainID == nil {
		return "", fmt.Errorf("%w: chainId is required", anysigner.ErrInvalidInput)
	}
	tx := &types.LegacyTx{
		Nonce:    uint64(req.Nonce),
		GasPrice: bigOrZero(req.GasPrice),
		Gas:      uint64(req.GasLimit),
		To:       req.To,
		Value:    bigOrZero(req.Value),
		Data:     req.Data,
	}
	signed, err := s.sign(ctx, req.ChainID.ToInt(), tx, privateKey)
	if err != nil {
		return "", err
	}
	encoded, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return hexutil.Encode(encoded), nil
}

func (s *Signer) sign(ctx context.Context, chainID *big.Int, tx *types.LegacyTx, privateKey []byte) (*types.Transaction, error) {
	if chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", anysigner.ErrInvalidInput)
	}
	key, err := toECDSA(privateKey)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(types.NewTx(tx), types.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	s.logger.Debug("evm transaction signed",
		slog.String("chain_id", chainID.String()),
		slog.String("from", crypto.PubkeyToAddress(key.PublicKey).Hex()),
		slog.String("hash", signed.Hash().Hex()),
	)
	return signed, nil
}

func toECDSA(raw []byte) (*ecdsa.PrivateKey, error) {
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", anysigner.ErrInvalidInput, err)
	}
	return key, nil
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}
