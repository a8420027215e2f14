// Package solana 实现 Solana 系统转账的签名。
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/aegis-sign/anysigner/internal/anysigner"
	"github.com/aegis-sign/anysigner/internal/wirefmt"
)

// Transfer 是一次 SOL 转账。
type Transfer struct {
	PrivateKey      []byte
	RecentBlockhash string
	Recipient       string
	Lamports        uint64
}

// Marshal 编码签名输入：private_key(1) recent_blockhash(2) recipient(3) value(4)。
func (t Transfer) Marshal() []byte {
	var b []byte
	b = wirefmt.AppendBytes(b, 1, t.PrivateKey)
	b = wirefmt.AppendString(b, 2, t.RecentBlockhash)
	b = wirefmt.AppendString(b, 3, t.Recipient)
	b = wirefmt.AppendVarint(b, 4, t.Lamports)
	return b
}

// UnmarshalTransfer 解码签名输入。
func UnmarshalTransfer(data []byte) (Transfer, error) {
	var t Transfer
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return Transfer{}, err
		}
		switch num {
		case 1:
			t.PrivateKey, err = r.CopyBytes(num, typ)
		case 2:
			t.RecentBlockhash, err = r.String(num, typ)
		case 3:
			t.Recipient, err = r.String(num, typ)
		case 4:
			t.Lamports, err = r.Varint(num, typ)
		default:
			err = r.Skip(num, typ)
		}
		if err != nil {
			return Transfer{}, err
		}
	}
	return t, nil
}

// jsonTransfer 是 SignJSON 接受的交易描述，私钥单独传入。
type jsonTransfer struct {
	RecentBlockhash string `json:"recentBlockhash"`
	Recipient       string `json:"recipient"`
	Value           uint64 `json:"value"`
}

// Signer 签名 Solana 系统转账，实现 anysigner.ChainSigner 与 anysigner.JSONSigner。
type Signer struct {
	logger *slog.Logger
}

// New 创建 Solana 签名器。
func New(logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{logger: logger}
}

// Sign 返回 protobuf 编码的 encoded(1) 字段，内容为 base64 交易。
func (s *Signer) Sign(ctx context.Context, input []byte) ([]byte, error) {
	t, err := UnmarshalTransfer(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", anysigner.ErrInvalidInput, err)
	}
	encoded, err := s.sign(ctx, t)
	if err != nil {
		return nil, err
	}
	return wirefmt.AppendString(nil, 1, encoded), nil
}

// SignJSON 签名 JSON 描述的转账并返回 base64 交易。
func (s *Signer) SignJSON(ctx context.Context, raw string, privateKey []byte) (string, error) {
	var req jsonTransfer
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return "", fmt.Errorf("%w: %v", anysigner.ErrInvalidInput, err)
	}
	return s.sign(ctx, Transfer{
		PrivateKey:      privateKey,
		RecentBlockhash: req.RecentBlockhash,
		Recipient:       req.Recipient,
		Lamports:        req.Value,
	})
}

func (s *Signer) sign(ctx context.Context, t Transfer) (string, error) {
	if len(t.PrivateKey) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: private key must be %d bytes", anysigner.ErrInvalidInput, ed25519.SeedSize)
	}
	if t.Lamports == 0 {
		return "", fmt.Errorf("%w: transfer value must be positive", anysigner.ErrInvalidInput)
	}
	recipient, err := solana.PublicKeyFromBase58(t.Recipient)
	if err != nil {
		return "", fmt.Errorf("%w: recipient: %v", anysigner.ErrInvalidInput, err)
	}
	blockhash, err := solana.HashFromBase58(t.RecentBlockhash)
	if err != nil {
		return "", fmt.Errorf("%w: recent blockhash: %v", anysigner.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := solana.PrivateKey(ed25519.NewKeyFromSeed(t.PrivateKey))
	from := key.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(t.Lamports, from, recipient).Build()},
		blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(from) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	encoded, err := tx.ToBase64()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	s.logger.Debug("solana transfer signed",
		slog.String("from", from.String()),
		slog.String("signature", tx.Signatures[0].String()),
	)
	return encoded, nil
}
