package solana

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aegis-sign/anysigner/internal/anysigner"
)

const testSeedHex = "afeefca74d9a325cf1d6b6911d61a65c32afa8e02bd5e78e2e4ac2910bab45f5"

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := hex.DecodeString(testSeedHex)
	require.NoError(t, err)
	return seed
}

func recipient() string {
	return solana.PrivateKey(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, 32))).PublicKey().String()
}

func blockhash() string {
	return solana.Hash{1, 2, 3, 4, 5, 6, 7, 8}.String()
}

// verifyTransfer 校验单签名交易：compact-u16 签名数、签名、消息。
func verifyTransfer(t *testing.T, encoded string, seed []byte) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Greater(t, len(raw), 65)
	require.Equal(t, byte(1), raw[0])

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	sig, msg := raw[1:65], raw[65:]
	require.True(t, ed25519.Verify(pub, msg, sig))
	require.True(t, bytes.Contains(msg, pub))
}

func TestSignJSON(t *testing.T) {
	seed := testSeed(t)
	req := fmt.Sprintf(`{"recentBlockhash":%q,"recipient":%q,"value":1500000}`, blockhash(), recipient())

	encoded, err := New(nil).SignJSON(context.Background(), req, seed)
	require.NoError(t, err)
	verifyTransfer(t, encoded, seed)

	again, err := New(nil).SignJSON(context.Background(), req, seed)
	require.NoError(t, err)
	require.Equal(t, encoded, again)

	tx, err := solana.TransactionFromBase64(encoded)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	require.Equal(t, blockhash(), tx.Message.RecentBlockhash.String())
	require.Equal(t, solana.PrivateKey(ed25519.NewKeyFromSeed(seed)).PublicKey(), tx.Message.AccountKeys[0])
}

func TestSign(t *testing.T) {
	seed := testSeed(t)
	input := Transfer{PrivateKey: seed, RecentBlockhash: blockhash(), Recipient: recipient(), Lamports: 42}

	out, err := New(nil).Sign(context.Background(), input.Marshal())
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(out)
	require.Positive(t, n)
	require.Equal(t, protowire.Number(1), num)
	require.Equal(t, protowire.BytesType, typ)
	encoded, m := protowire.ConsumeString(out[n:])
	require.Positive(t, m)
	verifyTransfer(t, encoded, seed)
}

func TestTransferEncoding(t *testing.T) {
	in := Transfer{PrivateKey: []byte{1, 2}, RecentBlockhash: "hash", Recipient: "to", Lamports: 9}
	decoded, err := UnmarshalTransfer(in.Marshal())
	require.NoError(t, err)
	require.Equal(t, in, decoded)
}

func TestSignRejectsInvalidInput(t *testing.T) {
	seed := testSeed(t)
	valid := Transfer{PrivateKey: seed, RecentBlockhash: blockhash(), Recipient: recipient(), Lamports: 1}

	shortKey := valid
	shortKey.PrivateKey = seed[:16]
	zeroValue := valid
	zeroValue.Lamports = 0
	badRecipient := valid
	badRecipient.Recipient = "0OIl"
	badHash := valid
	badHash.RecentBlockhash = "not-base58!"

	cases := map[string][]byte{
		"malformed":     {0xff},
		"short key":     shortKey.Marshal(),
		"zero value":    zeroValue.Marshal(),
		"bad recipient": badRecipient.Marshal(),
		"bad blockhash": badHash.Marshal(),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(nil).Sign(context.Background(), raw)
			require.True(t, errors.Is(err, anysigner.ErrInvalidInput), "%v", err)
		})
	}

	_, err := New(nil).SignJSON(context.Background(), "{", seed)
	require.True(t, errors.Is(err, anysigner.ErrInvalidInput))
}
