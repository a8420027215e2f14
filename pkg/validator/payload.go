package validator

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PayloadEncoding 描述签名载荷字符串的编码。
type PayloadEncoding string

const (
	PayloadEncodingHex    PayloadEncoding = "hex"
	PayloadEncodingBase64 PayloadEncoding = "base64"
)

// PrivateKeySize 为 secp256k1/ed25519 种子私钥的字节长度。
const PrivateKeySize = 32

var (
	errEmptyPayload      = errors.New("payload must not be empty")
	errPrivateKeyLength  = fmt.Errorf("private key must decode to %d bytes", PrivateKeySize)
	errPrivateKeyAllZero = errors.New("private key must not be zero")
)

// NormalizeEncoding 将用户输入转换为内部常量，空串默认 hex。
func NormalizeEncoding(raw string) (PayloadEncoding, error) {
	switch strings.ToLower(raw) {
	case "", string(PayloadEncodingHex):
		return PayloadEncodingHex, nil
	case string(PayloadEncodingBase64):
		return PayloadEncodingBase64, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

// DecodePayload 将签名输入解码为二进制，hex 允许 0x 前缀。
func DecodePayload(payload string, enc PayloadEncoding) ([]byte, error) {
	if payload == "" {
		return nil, errEmptyPayload
	}
	switch enc {
	case PayloadEncodingHex:
		decoded, err := hex.DecodeString(trimHexPrefix(payload))
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
		if len(decoded) == 0 {
			return nil, errEmptyPayload
		}
		return decoded, nil
	case PayloadEncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		if len(decoded) == 0 {
			return nil, errEmptyPayload
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// EncodePayload 按指定编码输出签名结果。
func EncodePayload(data []byte, enc PayloadEncoding) string {
	if enc == PayloadEncodingBase64 {
		return base64.StdEncoding.EncodeToString(data)
	}
	return hex.EncodeToString(data)
}

// DecodePrivateKey 解码 hex 私钥并校验长度。
func DecodePrivateKey(raw string) ([]byte, error) {
	decoded, err := hex.DecodeString(trimHexPrefix(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid hex private key: %w", err)
	}
	if err := ValidatePrivateKey(decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// ValidatePrivateKey 确保私钥为 32 字节且非全零。
func ValidatePrivateKey(key []byte) error {
	if len(key) != PrivateKeySize {
		return errPrivateKeyLength
	}
	for _, b := range key {
		if b != 0 {
			return nil
		}
	}
	return errPrivateKeyAllZero
}

func trimHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
