// Package anysignerrpc 定义 AnySigner 的 gRPC 契约与辅助函数。
package anysignerrpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// CoinMetadataKey 携带链编号的 metadata 键。
const CoinMetadataKey = "x-coin-type"

// SignJSON 请求体中的字段名。
const (
	FieldJSON       = "json"
	FieldPrivateKey = "privateKey"
)

var errMissingCoin = errors.New("missing " + CoinMetadataKey + " metadata")

// WithCoin 将链编号写入 outgoing metadata。
func WithCoin(ctx context.Context, coin uint32) context.Context {
	return metadata.AppendToOutgoingContext(ctx, CoinMetadataKey, strconv.FormatUint(uint64(coin), 10))
}

// CoinFromContext 从 incoming metadata 读取链编号。
func CoinFromContext(ctx context.Context) (uint32, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, errMissingCoin
	}
	values := md.Get(CoinMetadataKey)
	if len(values) == 0 {
		return 0, errMissingCoin
	}
	v, err := strconv.ParseUint(values[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", CoinMetadataKey, values[0], err)
	}
	return uint32(v), nil
}

// NewSignJSONRequest 构造 SignJSON 请求体，私钥以 hex 编码。
func NewSignJSONRequest(json string, privateKey []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldJSON:       structpb.NewStringValue(json),
		FieldPrivateKey: structpb.NewStringValue(hex.EncodeToString(privateKey)),
	}}
}

// ParseSignJSONRequest 解析 SignJSON 请求体。
func ParseSignJSONRequest(req *structpb.Struct) (string, []byte, error) {
	if req == nil {
		return "", nil, errors.New("empty request")
	}
	jsonValue, ok := req.GetFields()[FieldJSON]
	if !ok {
		return "", nil, fmt.Errorf("missing field %q", FieldJSON)
	}
	if _, isString := jsonValue.GetKind().(*structpb.Value_StringValue); !isString {
		return "", nil, fmt.Errorf("field %q must be a string", FieldJSON)
	}
	keyValue, ok := req.GetFields()[FieldPrivateKey]
	if !ok {
		return "", nil, fmt.Errorf("missing field %q", FieldPrivateKey)
	}
	key, err := hex.DecodeString(keyValue.GetStringValue())
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", FieldPrivateKey, err)
	}
	return jsonValue.GetStringValue(), key, nil
}
